// Package recorder persists normalized quote streams to per-day, per-venue
// CSV files and replays them deterministically for backtests.
//
// File layout: <output_dir>/<YYYYMMDD>/<venue>_prices_<YYYYMMDD>.csv, with
// an optional .gz suffix when compression is on. Files rotate at UTC
// midnight. Timestamps are ISO-8601 UTC with microsecond precision.
package recorder

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// csvHeader is the quote log schema. Missing optional fields are empty.
var csvHeader = []string{
	"timestamp", "exchange", "symbol", "bid", "ask",
	"bid_size", "ask_size", "last", "mark_price", "volume_24h",
}

const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Config tunes the recorder.
type Config struct {
	OutputDir string
	Compress  bool
	// DeltaThreshold enables delta mode when positive: a quote is written
	// only when bid or ask moved by more than this relative fraction since
	// the last written row for its (venue, symbol).
	DeltaThreshold decimal.Decimal
}

// venueFile is one open per-day output file.
type venueFile struct {
	day  string // YYYYMMDD
	file *os.File
	gz   *gzip.Writer
	csv  *csv.Writer
}

func (vf *venueFile) close() error {
	vf.csv.Flush()
	if err := vf.csv.Error(); err != nil {
		vf.file.Close()
		return err
	}
	if vf.gz != nil {
		if err := vf.gz.Close(); err != nil {
			vf.file.Close()
			return err
		}
	}
	return vf.file.Close()
}

// Recorder appends quotes to rotating per-venue files. Safe for use from
// one writer goroutine (the recording subscriber).
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	files   map[string]*venueFile  // by venue
	last    map[string]types.Quote // by venue|symbol, for delta mode
	written int64
	skipped int64
}

// New creates a recorder rooted at cfg.OutputDir.
func New(cfg Config, logger *slog.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		logger: logger.With("component", "recorder"),
		files:  make(map[string]*venueFile),
		last:   make(map[string]types.Quote),
	}
}

// Record writes one quote, rotating files at UTC day boundaries and
// applying the delta threshold when configured.
func (r *Recorder) Record(q types.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.shouldWrite(q) {
		r.skipped++
		return nil
	}

	ts := time.Unix(0, q.TsNanos).UTC()
	day := ts.Format("20060102")

	vf, err := r.fileFor(q.Venue, day)
	if err != nil {
		return err
	}

	row := []string{
		ts.Format(tsLayout),
		q.Venue,
		q.Symbol,
		q.Bid.String(),
		q.Ask.String(),
		"", // bid_size: not part of the normalized quote
		"", // ask_size
		decString(q.Last),
		decString(q.MarkPrice),
		decString(q.Volume24h),
	}
	if err := vf.csv.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	vf.csv.Flush()
	if err := vf.csv.Error(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	r.last[q.Venue+"|"+q.Symbol] = q
	r.written++
	return nil
}

// shouldWrite applies delta mode. The first quote for a slot always
// writes. Caller holds r.mu.
func (r *Recorder) shouldWrite(q types.Quote) bool {
	if r.cfg.DeltaThreshold.Sign() <= 0 {
		return true
	}
	prev, ok := r.last[q.Venue+"|"+q.Symbol]
	if !ok {
		return true
	}
	return relMove(prev.Bid, q.Bid).GreaterThan(r.cfg.DeltaThreshold) ||
		relMove(prev.Ask, q.Ask).GreaterThan(r.cfg.DeltaThreshold)
}

func relMove(old, new decimal.Decimal) decimal.Decimal {
	if old.Sign() <= 0 {
		return decimal.NewFromInt(1)
	}
	return new.Sub(old).Abs().Div(old)
}

// fileFor returns the open file for a venue and day, rotating as needed.
// Caller holds r.mu.
func (r *Recorder) fileFor(venueName, day string) (*venueFile, error) {
	vf, ok := r.files[venueName]
	if ok && vf.day == day {
		return vf, nil
	}
	if ok {
		if err := vf.close(); err != nil {
			r.logger.Warn("close on rotation failed", "venue", venueName, "error", err)
		}
		r.logger.Info("rotated quote log", "venue", venueName, "day", day)
	}

	dir := filepath.Join(r.cfg.OutputDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s_prices_%s.csv", strings.ToLower(venueName), day)
	if r.cfg.Compress {
		name += ".gz"
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fresh := st.Size() == 0

	vf = &venueFile{day: day, file: f}
	var w io.Writer = f
	if r.cfg.Compress {
		vf.gz = gzip.NewWriter(f)
		w = vf.gz
	}
	vf.csv = csv.NewWriter(w)
	if fresh {
		if err := vf.csv.Write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	r.files[venueName] = vf
	return vf, nil
}

// Close flushes and closes every open file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for venueName, vf := range r.files {
		if err := vf.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", venueName, err)
		}
		delete(r.files, venueName)
	}
	r.logger.Info("recorder closed", "written", r.written, "skipped", r.skipped)
	return firstErr
}

// RecorderStats is a snapshot of row counters.
type RecorderStats struct {
	Written int64
	Skipped int64
}

// Stats returns cumulative counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{Written: r.written, Skipped: r.skipped}
}

func decString(d decimal.Decimal) string {
	if d.Sign() == 0 {
		return ""
	}
	return d.String()
}
