package history

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var csvHeader = []string{"run_id", "iteration", "objective", "gradient_norm", "step_size", "accepted", "timestamp"}

// CSVStore appends one row per iteration to a CSV file, flushed and synced
// on every append so the log survives a killed run.
type CSVStore struct {
	path string
	file *os.File
	w    *csv.Writer
}

func OpenCSV(path string) (s *CSVStore, err error) {
	var f *os.File
	if f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644); err != nil {
		return
	}
	s = &CSVStore{path: path, file: f, w: csv.NewWriter(f)}
	var info os.FileInfo
	if info, err = f.Stat(); err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err = s.write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return
}

func (s *CSVStore) write(row []string) error {
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *CSVStore) Append(rec Record) error {
	return s.write([]string{
		rec.RunID.String(),
		strconv.Itoa(rec.Iteration),
		strconv.FormatFloat(rec.Objective, 'g', -1, 64),
		strconv.FormatFloat(rec.GradientNorm, 'g', -1, 64),
		strconv.FormatFloat(rec.StepSize, 'g', -1, 64),
		strconv.FormatBool(rec.Accepted),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (s *CSVStore) Records() (records []Record, err error) {
	var f *os.File
	if f, err = os.Open(s.path); err != nil {
		return
	}
	defer f.Close()
	return ReadCSV(f)
}

func (s *CSVStore) Close() error { return s.file.Close() }

// ReadCSV parses a history log written by CSVStore.
func ReadCSV(r io.Reader) (records []Record, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	var header []string
	if header, err = cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return
	}
	if header[0] != csvHeader[0] {
		return nil, fmt.Errorf("history header %v, want %v", header, csvHeader)
	}
	for line := 2; ; line++ {
		var row []string
		if row, err = cr.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return
		}
		var rec Record
		if rec, err = parseRow(row); err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		records = append(records, rec)
	}
}

func parseRow(row []string) (rec Record, err error) {
	if rec.RunID, err = uuid.Parse(row[0]); err != nil {
		return
	}
	if rec.Iteration, err = strconv.Atoi(row[1]); err != nil {
		return
	}
	for n, dst := range []*float64{&rec.Objective, &rec.GradientNorm, &rec.StepSize} {
		if *dst, err = strconv.ParseFloat(row[2+n], 64); err != nil {
			return
		}
	}
	if rec.Accepted, err = strconv.ParseBool(row[5]); err != nil {
		return
	}
	rec.Timestamp, err = time.Parse(time.RFC3339Nano, row[6])
	return
}
