package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"crossarb/pkg/types"
)

// Slot identifies one (venue, symbol) column group in the synchronized
// format.
type Slot struct {
	Venue  string
	Symbol string
}

func (s Slot) prefix() string {
	return strings.ToLower(s.Venue) + "_" + strings.ReplaceAll(s.Symbol, "/", "") + "_"
}

// SyncWriter emits the synchronized wide format: one row per sample
// window with bid, ask and last columns for every slot. Slots with no
// quote in a window leave their columns empty.
type SyncWriter struct {
	slots []Slot
	csv   *csv.Writer
}

// NewSyncWriter writes the header for the given slots, ordered by venue
// then symbol so the column layout is deterministic.
func NewSyncWriter(w io.Writer, slots []Slot) (*SyncWriter, error) {
	sorted := make([]Slot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Venue != sorted[j].Venue {
			return sorted[i].Venue < sorted[j].Venue
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	header := []string{"timestamp"}
	for _, s := range sorted {
		p := s.prefix()
		header = append(header, p+"bid", p+"ask", p+"last")
	}

	sw := &SyncWriter{slots: sorted, csv: csv.NewWriter(w)}
	if err := sw.csv.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return sw, nil
}

// WriteRow emits one sample window. get reports the current quote for a
// slot, or false when none is known yet.
func (sw *SyncWriter) WriteRow(ts time.Time, get func(venueName, symbol string) (types.Quote, bool)) error {
	row := make([]string, 0, 1+3*len(sw.slots))
	row = append(row, ts.UTC().Format(tsLayout))
	for _, s := range sw.slots {
		q, ok := get(s.Venue, s.Symbol)
		if !ok {
			row = append(row, "", "", "")
			continue
		}
		row = append(row, q.Bid.String(), q.Ask.String(), decString(q.Last))
	}
	if err := sw.csv.Write(row); err != nil {
		return err
	}
	sw.csv.Flush()
	return sw.csv.Error()
}
