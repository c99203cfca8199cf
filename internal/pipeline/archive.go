package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"loanmvp.io/pipeline/internal/domain"
	"loanmvp.io/pipeline/internal/pkg/worker"
	"loanmvp.io/pipeline/internal/report"
	"loanmvp.io/pipeline/internal/storage"
)

// ManifestName is the manifest file written at the root of a run's archive.
const ManifestName = "manifest.yaml"

// Manifest describes one run's archive.
type Manifest struct {
	RunID      string         `yaml:"run_id"`
	PDate      string         `yaml:"pdate"`
	IRRTarget  string         `yaml:"irr_target"`
	ArchivedAt time.Time      `yaml:"archived_at"`
	Files      []ArchivedFile `yaml:"files"`
}

// ArchivedFile is one copied artifact.
type ArchivedFile struct {
	// Path is relative to the archive area.
	Path   string       `yaml:"path"`
	Source string       `yaml:"source"`
	Area   storage.Area `yaml:"source_area"`
	Size   int64        `yaml:"size"`
	SHA256 string       `yaml:"sha256"`
}

// ArchiveDir is the run's directory inside the archive area.
func ArchiveDir(runID string) string {
	return runID
}

// Archive copies the run's input tapes and output artifacts into
// archive/<run_id>/ and writes a manifest. Inputs keep their inputs-area
// path under inputs/ so tapes from different folders cannot collide.
// Copies run on pool when it is non-nil; the manifest lists files in the
// same order either way.
func Archive(ctx context.Context, blobs storage.Store, run *domain.PipelineRun, at time.Time, pool *worker.Pool) (*Manifest, error) {
	dir := ArchiveDir(run.RunID)

	type copyJob struct {
		src  string
		area storage.Area
		dst  string
	}
	var jobs []copyJob
	for _, in := range run.InputFiles {
		jobs = append(jobs, copyJob{in, storage.AreaInputs, storage.Join(dir, "inputs", in)})
	}
	for _, name := range report.Artifacts() {
		jobs = append(jobs, copyJob{report.OutputPath(run.RunID, name), storage.AreaOutputs, storage.Join(dir, "outputs", name)})
	}

	files := make([]ArchivedFile, len(jobs))
	errs := make([]error, len(jobs))
	copyFile := func(i int) {
		j := jobs[i]
		files[i], errs[i] = archiveFile(ctx, blobs, j.src, j.area, j.dst)
	}
	if pool != nil && len(jobs) > 1 {
		if err := pool.ForEach(len(jobs), copyFile); err != nil {
			return nil, err
		}
	} else {
		for i := range jobs {
			copyFile(i)
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	m := &Manifest{
		RunID:      run.RunID,
		PDate:      run.PDate,
		IRRTarget:  run.IRRTarget.String(),
		ArchivedAt: at,
		Files:      files,
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := blobs.Write(ctx, storage.Join(dir, ManifestName), storage.AreaArchive, data); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

func archiveFile(ctx context.Context, blobs storage.Store, src string, area storage.Area, dst string) (ArchivedFile, error) {
	data, err := blobs.Read(ctx, src, area)
	if err != nil {
		return ArchivedFile{}, fmt.Errorf("read %s/%s: %w", area, src, err)
	}
	res, err := blobs.Write(ctx, dst, storage.AreaArchive, data)
	if err != nil {
		return ArchivedFile{}, fmt.Errorf("write archive/%s: %w", dst, err)
	}
	sum := sha256.Sum256(data)
	return ArchivedFile{
		Path:   res.Path,
		Source: src,
		Area:   area,
		Size:   res.Size,
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}
