package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/store"
)

// Supported export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// pageSize bounds memory while streaming large result sets.
const pageSize = 1000

// Exporter streams a job's persisted results in a downloadable format.
type Exporter struct {
	store store.Store
}

// New builds an exporter over the result store.
func New(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// ContentType returns the MIME type for a format, or an error for unknown
// formats.
func ContentType(format string) (string, error) {
	switch format {
	case FormatCSV:
		return "text/csv", nil
	case FormatJSON:
		return "application/json", nil
	}
	return "", fmt.Errorf("unknown export format %q", format)
}

// Write streams the job's results to w in the given format, ordered by
// sequence index.
func (e *Exporter) Write(ctx context.Context, w io.Writer, jobID, format string) error {
	switch format {
	case FormatCSV:
		return e.writeCSV(ctx, w, jobID)
	case FormatJSON:
		return e.writeJSON(ctx, w, jobID)
	}
	return fmt.Errorf("unknown export format %q", format)
}

func (e *Exporter) writeCSV(ctx context.Context, w io.Writer, jobID string) error {
	cw := csv.NewWriter(w)
	header := []string{"sequence_index", "email", "classification", "stage_reached", "error_kind", "detail", "latency_ms", "timestamp"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	err := e.each(ctx, jobID, func(res models.CheckResult) error {
		kind := ""
		if res.ErrorKind != nil {
			kind = *res.ErrorKind
		}
		row := []string{
			strconv.Itoa(res.SequenceIndex),
			res.Email,
			res.Classification,
			res.StageReached,
			kind,
			res.Detail,
			strconv.FormatInt(res.LatencyMs, 10),
			res.Timestamp.UTC().Format(time.RFC3339),
		}
		return cw.Write(row)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) writeJSON(ctx context.Context, w io.Writer, jobID string) error {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	first := true
	err := e.each(ctx, jobID, func(res models.CheckResult) error {
		if !first {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		}
		first = false
		// Encoder appends a newline per value; trailing newlines inside the
		// array are harmless to consumers.
		return enc.Encode(res)
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

// each walks the job's results page by page in sequence order.
func (e *Exporter) each(ctx context.Context, jobID string, fn func(models.CheckResult) error) error {
	for offset := 0; ; offset += pageSize {
		page, err := e.store.ListResults(ctx, jobID, offset, pageSize)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}
		for _, res := range page {
			if err := fn(res); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
