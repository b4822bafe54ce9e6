// Package report exports the interval log of a finished testcase.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"docbench/internal/stats"
)

type Format string

const (
	// FormatText is the fixed-width progress table plus a summary line.
	FormatText Format = "text"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var extensions = map[Format]string{
	FormatText: ".csv",
	FormatCSV:  ".intervals.csv",
	FormatJSON: ".json",
}

func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if _, ok := extensions[f]; !ok {
		return "", fmt.Errorf("unknown report format %q", s)
	}
	return f, nil
}

// Report is everything exported for one testcase run against one database.
type Report struct {
	Database string                 `json:"database"`
	Testcase string                 `json:"testcase"`
	Started  time.Time              `json:"started"`
	Results  []stats.IntervalResult `json:"results"`
	Summary  stats.Summary          `json:"summary"`
}

// BaseName is "<database> - <testcase> <YYYY-MM-DD HH:MM>" in local time.
func (r Report) BaseName() string {
	return fmt.Sprintf("%s - %s %s", r.Database, r.Testcase, r.Started.Local().Format("2006-01-02 15:04"))
}

// Save writes the report into dir in each format and returns the paths
// written.
func Save(dir string, r Report, formats ...Format) ([]string, error) {
	if len(formats) == 0 {
		formats = []Format{FormatText}
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating results directory")
	}

	paths := make([]string, 0, len(formats))
	for _, format := range formats {
		ext, ok := extensions[format]
		if !ok {
			return paths, fmt.Errorf("unknown report format %q", format)
		}
		path := filepath.Join(dir, r.BaseName()+ext)
		if err := writeFile(path, r, format); err != nil {
			return paths, errors.Wrapf(err, "writing %s", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, r Report, format Format) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case FormatCSV:
		err = WriteCSV(f, r)
	case FormatJSON:
		err = WriteJSON(f, r)
	default:
		err = WriteText(f, r)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// WriteText renders the header once, one row per interval and the summary
// line.
func WriteText(w io.Writer, r Report) error {
	if _, err := fmt.Fprintln(w, stats.Header); err != nil {
		return err
	}
	for _, res := range r.Results {
		if _, err := fmt.Fprintln(w, res.Line()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, r.Summary.Line())
	return err
}

// WriteCSV writes the intervals as plain comma separated values.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)

	header := []string{
		"time", "end_unix_ms", "elapsed_seconds", "interval_count",
		"interval_rate", "cumulative_count", "cumulative_rate",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, res := range r.Results {
		record := []string{
			res.Label,
			strconv.FormatInt(res.End.UnixMilli(), 10),
			strconv.FormatInt(res.Elapsed, 10),
			strconv.FormatInt(res.Count, 10),
			strconv.FormatFloat(res.Rate, 'f', 1, 64),
			strconv.FormatInt(res.Cumulative, 10),
			strconv.FormatFloat(res.CumulativeRate, 'f', 1, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
