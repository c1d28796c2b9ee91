package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Sheet is a parsed activity spreadsheet. The header row names the
// signatures (its first cell is ignored); every other row starts with a
// sample's ML data source followed by one value per signature.
type Sheet struct {
	Signatures []string
	Rows       []Row
}

// Row is one data line of a Sheet.
type Row struct {
	Line       int
	DataSource string
	Values     []float64
}

// ImportError locates a problem in the input file. Line and Column are
// 1-indexed; Column is 0 when the whole line is at fault.
type ImportError struct {
	Line    int
	Column  int
	Message string
}

func (e *ImportError) Error() string {
	if e.Column > 0 {
		return fmt.Sprintf("line #%d column #%d: %s", e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("line #%d: %s", e.Line, e.Message)
}

// ErrEmptySheet is returned for input without a header row.
var ErrEmptySheet = errors.New("activity sheet is empty")

// ParseSheet reads a tab-separated activity sheet and checks everything that
// can be checked without a database: signature names must be non-blank and
// unique, every line must have as many fields as the header, data sources
// must be non-blank and unique, and values must parse as floats. It stops at
// the first problem and returns it as an *ImportError.
func ParseSheet(r io.Reader) (*Sheet, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptySheet
	}
	if err != nil {
		return nil, fmt.Errorf("parsing activity sheet: %w", err)
	}

	sheet := &Sheet{Signatures: header[1:]}
	seen := make(map[string]bool, len(sheet.Signatures))
	for i, name := range sheet.Signatures {
		switch {
		case strings.TrimSpace(name) == "":
			return nil, &ImportError{Line: 1, Column: i + 2, Message: "blank signature name"}
		case seen[name]:
			return nil, &ImportError{Line: 1, Column: i + 2, Message: fmt.Sprintf("%s is NOT unique", name)}
		}
		seen[name] = true
	}

	sources := make(map[string]int)
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing activity sheet: %w", err)
		}
		line, _ := reader.FieldPos(0)

		if len(fields) != len(header) {
			return nil, &ImportError{Line: line, Message: fmt.Sprintf("number of fields is not %d", len(header))}
		}
		ds := fields[0]
		if strings.TrimSpace(ds) == "" {
			return nil, &ImportError{Line: line, Message: "data source is blank"}
		}
		if prev, dup := sources[ds]; dup {
			return nil, &ImportError{Line: line, Message: fmt.Sprintf("data source %s already appears on line #%d", ds, prev)}
		}
		sources[ds] = line

		row := Row{Line: line, DataSource: ds, Values: make([]float64, len(fields)-1)}
		for j, raw := range fields[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, &ImportError{Line: line, Column: j + 2, Message: fmt.Sprintf("%q can not be converted into a float", raw)}
			}
			row.Values[j] = v
		}
		sheet.Rows = append(sheet.Rows, row)
	}
	return sheet, nil
}
