package recorder

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Driver paces replay between consecutive quotes.
type Driver interface {
	// Wait blocks for the gap between two quote timestamps (nanos).
	Wait(ctx context.Context, prev, next int64) error
}

// FullSpeed replays with no pacing.
type FullSpeed struct{}

func (FullSpeed) Wait(context.Context, int64, int64) error { return nil }

// WallClock replays in recorded time scaled by Speed (1.0 = real time).
type WallClock struct {
	Speed float64
}

func (w WallClock) Wait(ctx context.Context, prev, next int64) error {
	if prev == 0 || next <= prev {
		return nil
	}
	speed := w.Speed
	if speed <= 0 {
		speed = 1
	}
	d := time.Duration(float64(next-prev) / speed)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Replayer reads recorded quote logs back in global timestamp order.
type Replayer struct {
	dir    string
	logger *slog.Logger
}

// NewReplayer reads from the recorder's output directory layout.
func NewReplayer(dir string, logger *slog.Logger) *Replayer {
	return &Replayer{dir: dir, logger: logger.With("component", "replayer")}
}

// Load reads every quote recorded between from and to (inclusive, UTC
// dates), sorted by timestamp. Venue files within a day are merged.
func (r *Replayer) Load(from, to time.Time) ([]types.Quote, error) {
	var quotes []types.Quote
	for day := from.UTC().Truncate(24 * time.Hour); !day.After(to.UTC()); day = day.Add(24 * time.Hour) {
		dayDir := filepath.Join(r.dir, day.Format("20060102"))
		entries, err := os.ReadDir(dayDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dayDir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.Contains(e.Name(), "_prices_") {
				continue
			}
			qs, err := readQuoteFile(filepath.Join(dayDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", e.Name(), err)
			}
			quotes = append(quotes, qs...)
		}
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].TsNanos < quotes[j].TsNanos
	})
	r.logger.Info("loaded recorded quotes",
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"quotes", len(quotes),
	)
	return quotes, nil
}

// Run replays quotes to emit in timestamp order, paced by the driver.
// Stops on the first emit error or context cancellation.
func (r *Replayer) Run(ctx context.Context, from, to time.Time, drv Driver, emit func(types.Quote) error) error {
	quotes, err := r.Load(from, to)
	if err != nil {
		return err
	}
	var prev int64
	for _, q := range quotes {
		if err := drv.Wait(ctx, prev, q.TsNanos); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(q); err != nil {
			return err
		}
		prev = q.TsNanos
	}
	return nil
}

func readQuoteFile(path string) ([]types.Quote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rd io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		rd = gz
	}

	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = len(csvHeader)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	quotes := make([]types.Quote, 0, len(rows)-1)
	for i, row := range rows {
		if i == 0 && row[0] == "timestamp" {
			continue
		}
		q, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

func parseRow(row []string) (types.Quote, error) {
	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return types.Quote{}, fmt.Errorf("timestamp %q: %w", row[0], err)
	}
	q := types.Quote{
		Venue:   row[1],
		Symbol:  row[2],
		TsNanos: ts.UnixNano(),
	}
	if q.Bid, err = decimal.NewFromString(row[3]); err != nil {
		return types.Quote{}, fmt.Errorf("bid %q: %w", row[3], err)
	}
	if q.Ask, err = decimal.NewFromString(row[4]); err != nil {
		return types.Quote{}, fmt.Errorf("ask %q: %w", row[4], err)
	}
	// bid_size and ask_size (rows 5, 6) are not part of the normalized quote.
	for _, fld := range []struct {
		idx int
		dst *decimal.Decimal
	}{{7, &q.Last}, {8, &q.MarkPrice}, {9, &q.Volume24h}} {
		if row[fld.idx] == "" {
			continue
		}
		if *fld.dst, err = decimal.NewFromString(row[fld.idx]); err != nil {
			return types.Quote{}, fmt.Errorf("field %d %q: %w", fld.idx, row[fld.idx], err)
		}
	}
	return q, nil
}
