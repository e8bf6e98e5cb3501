// Package dataset loads numeric feature matrices from CSV files.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrEmpty is returned when a file contains no data rows.
var ErrEmpty = errors.New("dataset: no data rows")

// Dataset is a loaded feature matrix.
type Dataset struct {
	Headers []string
	Rows    [][]float64
	// Skipped counts malformed rows dropped in lenient mode.
	Skipped int
}

// Width returns the number of columns.
func (d *Dataset) Width() int {
	if len(d.Rows) == 0 {
		return len(d.Headers)
	}
	return len(d.Rows[0])
}

type options struct {
	header  bool
	lenient bool
	comma   rune
}

// Option configures loading.
type Option func(*options)

// WithHeader indicates whether the first record is a header row. Defaults to true.
func WithHeader(has bool) Option {
	return func(o *options) {
		o.header = has
	}
}

// WithLenient drops malformed rows instead of failing.
func WithLenient(lenient bool) Option {
	return func(o *options) {
		o.lenient = lenient
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(o *options) {
		o.comma = c
	}
}

// LoadFile reads a CSV file.
func LoadFile(path string, opts ...Option) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := Load(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Load reads CSV data from r. Every data row must parse as floats and have
// the same width as the first.
func Load(r io.Reader, opts ...Option) (*Dataset, error) {
	o := options{header: true, comma: ','}
	for _, opt := range opts {
		opt(&o)
	}

	reader := csv.NewReader(r)
	reader.Comma = o.comma
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	ds := &Dataset{}
	if o.header {
		headers, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, err
		}
		ds.Headers = headers
	}

	width := len(ds.Headers)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)

		row, err := parseRow(record)
		if err == nil && width > 0 && len(row) != width {
			err = fmt.Errorf("%d fields, expected %d", len(row), width)
		}
		if err != nil {
			if o.lenient {
				ds.Skipped++
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if width == 0 {
			width = len(row)
		}
		ds.Rows = append(ds.Rows, row)
	}

	if len(ds.Rows) == 0 {
		return nil, ErrEmpty
	}
	return ds, nil
}

func parseRow(record []string) ([]float64, error) {
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}
	row := make([]float64, len(record))
	for i, val := range record {
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		row[i] = f
	}
	return row, nil
}
