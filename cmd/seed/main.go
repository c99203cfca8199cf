// Package main seeds the inputs area with a sample loan tape.
//
// The tape is deterministic for a given SEED_RANDOM value and mixes
// eligible loans with every kind of rule failure, so a fresh environment
// can exercise the whole pipeline:
//
//	SEED_FOLDER=tapes SEED_RECORDS=500 SEED_FORMAT=xlsx go run ./cmd/seed
//
// Import Path: loanmvp.io/pipeline/cmd/seed
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"loanmvp.io/pipeline/internal/app/modules"
	"loanmvp.io/pipeline/internal/config"
	"loanmvp.io/pipeline/internal/pkg/logger"
	"loanmvp.io/pipeline/internal/storage"
)

const (
	defaultRecords = 200
	defaultSeed    = 20250131
)

// tapeColumns is the header written by the seeder.
var tapeColumns = []string{
	"Loan Number", "Loan Amount", "Note Rate", "LTV", "DTI", "FICO",
	"Property Type", "Occupancy", "Purpose", "Purchase Price", "Appraisal Value",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

type seedConfig struct {
	Folder  string
	Records int
	Format  string
	Seed    uint64
}

func loadSeedConfig(defaultFolder string) (seedConfig, error) {
	sc := seedConfig{
		Folder:  envOrDefault("SEED_FOLDER", defaultFolder),
		Records: defaultRecords,
		Format:  strings.ToLower(envOrDefault("SEED_FORMAT", "csv")),
		Seed:    defaultSeed,
	}
	if v := envOrDefault("SEED_RECORDS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return sc, fmt.Errorf("SEED_RECORDS must be a non-negative integer, got %q", v)
		}
		sc.Records = n
	}
	if v := envOrDefault("SEED_RANDOM", ""); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return sc, fmt.Errorf("SEED_RANDOM must be an unsigned integer, got %q", v)
		}
		sc.Seed = n
	}
	if sc.Format != "csv" && sc.Format != "xlsx" {
		return sc, fmt.Errorf("SEED_FORMAT must be csv or xlsx, got %q", sc.Format)
	}
	return sc, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	sc, err := loadSeedConfig(cfg.Pipeline.DefaultInputFolder)
	if err != nil {
		return err
	}

	ctx := context.Background()
	blobs, err := modules.NewBlobStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	res, err := seedTape(ctx, blobs, sc)
	if err != nil {
		return err
	}

	logger.Info("Sample tape seeded",
		zap.String("location", res.Location),
		zap.Int("records", sc.Records),
		zap.Int64("bytes", res.Size),
	)
	return nil
}

// seedTape encodes a sample tape and writes it to the inputs area.
func seedTape(ctx context.Context, blobs storage.Store, sc seedConfig) (storage.WriteResult, error) {
	rows := sampleRows(sc.Records, sc.Seed)
	var (
		data []byte
		err  error
	)
	switch sc.Format {
	case "xlsx":
		data, err = encodeXLSX(rows)
	default:
		data, err = encodeCSV(rows)
	}
	if err != nil {
		return storage.WriteResult{}, err
	}

	name := storage.Join(sc.Folder, fmt.Sprintf("sample_%d.%s", sc.Seed, sc.Format))
	res, err := blobs.Write(ctx, name, storage.AreaInputs, data)
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("write sample tape: %w", err)
	}
	return res, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// sampleRows builds n tape rows. Roughly one row in four breaks a rule.
func sampleRows(n int, seed uint64) [][]string {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	propertyTypes := []string{"SFR", "Condo", "Townhouse", "PUD", "2-4 Unit"}
	occupancies := []string{"Primary", "Second Home", "Investment"}
	purposes := []string{"Purchase", "Rate/Term Refi", "Cash-Out Refi"}

	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		amount := 75000 + rng.IntN(1_200_000)
		rate := 5.0 + float64(rng.IntN(400))/100
		ltv := 55 + rng.IntN(36)
		dti := 18 + rng.IntN(27)
		score := 660 + rng.IntN(160)
		price := amount * 100 / ltv
		row := []string{
			fmt.Sprintf("SL-%06d", i+1),
			fmt.Sprintf("$%d", amount),
			strconv.FormatFloat(rate, 'f', 3, 64),
			fmt.Sprintf("%d%%", ltv),
			strconv.Itoa(dti),
			strconv.Itoa(score),
			propertyTypes[rng.IntN(len(propertyTypes))],
			occupancies[rng.IntN(len(occupancies))],
			purposes[rng.IntN(len(purposes))],
			strconv.Itoa(price),
			strconv.Itoa(price + rng.IntN(15000)),
		}

		switch rng.IntN(16) {
		case 0:
			row[1] = "25000"
		case 1:
			row[3] = "99"
		case 2:
			row[4] = "57"
		case 3:
			row[5] = "580"
		case 4:
			row[6] = "Houseboat"
		case 5:
			row[9] = ""
		case 6:
			row[5] = ""
		}
		rows = append(rows, row)
	}
	return rows
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(tapeColumns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeXLSX(rows [][]string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	write := func(rowNum int, cells []string) error {
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(cells))
		for i, c := range cells {
			values[i] = c
		}
		return f.SetSheetRow(sheet, cell, &values)
	}
	if err := write(1, tapeColumns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		if err := write(i+2, row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
