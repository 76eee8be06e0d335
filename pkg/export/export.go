package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/kilianp07/ridedispatch/core/model"
)

// Format selects the ledger export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Write encodes the ledger rows to w in the given format.
func Write(w io.Writer, f Format, entries []model.PointsHistory) error {
	switch f {
	case FormatJSON, "":
		return WriteJSON(w, entries)
	case FormatCSV:
		return WriteCSV(w, entries)
	default:
		return fmt.Errorf("export: unknown format %q", f)
	}
}

// WriteJSON writes the ledger rows to w as a JSON array.
func WriteJSON(w io.Writer, entries []model.PointsHistory) error {
	if entries == nil {
		entries = []model.PointsHistory{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(entries)
}

// WriteCSV writes the ledger rows to w as CSV with a header line and a
// running balance column.
func WriteCSV(w io.Writer, entries []model.PointsHistory) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "created_at", "puller_id", "ride_id", "reason", "points_change", "balance"}); err != nil {
		return err
	}
	balance := 0
	for _, e := range entries {
		balance += e.PointsChange
		rideID := ""
		if e.RideID != nil {
			rideID = *e.RideID
		}
		rec := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.PullerID,
			rideID,
			string(e.Reason),
			strconv.Itoa(e.PointsChange),
			strconv.Itoa(balance),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
