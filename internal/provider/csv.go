// Package provider implements bar-data sources for the cache layer.
package provider

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// CSVProvider serves bars from per-symbol CSV files on disk. Files are
// named <symbol>_<period>.csv and carry a
// date,open,high,low,close,volume header.
type CSVProvider struct {
	logger *zap.Logger
	dir    string
}

func NewCSV(logger *zap.Logger, dir string) *CSVProvider {
	return &CSVProvider{logger: logger, dir: dir}
}

// Fetch reads the symbol's file and returns the bars dated within
// [start, end] inclusive.
func (p *CSVProvider) Fetch(ctx context.Context, symbol string, period types.Period, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(p.dir, fmt.Sprintf("%s_%s.csv", symbol, period))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	var bars []types.Bar
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line++

		bar, err := parseBar(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if bar.Date.Before(start) || bar.Date.After(end) {
			continue
		}
		bars = append(bars, bar)
	}

	p.logger.Debug("csv dataset loaded",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
	)
	return bars, nil
}

func parseBar(record []string) (types.Bar, error) {
	date, err := time.ParseInLocation("2006-01-02", record[0], time.UTC)
	if err != nil {
		return types.Bar{}, fmt.Errorf("parse date %q: %w", record[0], err)
	}

	fields := [5]decimal.Decimal{}
	names := [5]string{"open", "high", "low", "close", "volume"}
	for i := 0; i < 5; i++ {
		v, err := decimal.NewFromString(record[i+1])
		if err != nil {
			return types.Bar{}, fmt.Errorf("parse %s %q: %w", names[i], record[i+1], err)
		}
		fields[i] = v
	}

	return types.Bar{
		Date:   date,
		Open:   fields[0],
		High:   fields[1],
		Low:    fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, nil
}
