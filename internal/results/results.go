// Package results writes, summarizes and checks alignment result files.
package results

import (
	"bufio"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/fxnlabs/gpu-aligner/internal/driver"
)

// Header is the first line of a TSV result file.
const Header = "alignment_scores\treference_begin_location\treference_end_location\tquery_begin_location\tquery_end_location"

// WriteTSV writes a header and one line per alignment. The end columns hold
// the inclusive last index, one less than the exclusive end.
func WriteTSV(w io.Writer, rs *driver.ResultSet) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, Header); err != nil {
		return err
	}
	for i := 0; i < rs.Len(); i++ {
		r := rs.At(i)
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%d\t%d\t%d\n",
			r.Score, r.RefBegin, r.RefEnd-1, r.QueryBegin, r.QueryEnd-1); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Record is the JSON form of one alignment. Ends are exclusive.
type Record struct {
	Score      int `json:"score"`
	RefBegin   int `json:"refBegin"`
	RefEnd     int `json:"refEnd"`
	QueryBegin int `json:"queryBegin"`
	QueryEnd   int `json:"queryEnd"`
}

// WriteJSON writes the alignments as a JSON array.
func WriteJSON(w io.Writer, rs *driver.ResultSet) error {
	records := make([]Record, rs.Len())
	for i := range records {
		r := rs.At(i)
		records[i] = Record{
			Score:      r.Score,
			RefBegin:   r.RefBegin,
			RefEnd:     r.RefEnd,
			QueryBegin: r.QueryBegin,
			QueryEnd:   r.QueryEnd,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// Write dispatches on format: "tsv" (default) or "json".
func Write(w io.Writer, rs *driver.ResultSet, format string) error {
	switch format {
	case "", "tsv":
		return WriteTSV(w, rs)
	case "json":
		return WriteJSON(w, rs)
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}
}
