package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"feedsync/internal/models"
)

// Supported feed formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ParseError aborts a batch before anything is staged.
type ParseError struct {
	Format string
	Err    error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s feed: %v", e.Format, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// malformedField marks a raw value the parser could not flatten. The validator
// turns it into a MALFORMED_RECORD error.
const malformedField = "\x00malformed"

// Parse splits content into raw records. Record-level shape problems are kept
// on the record for validation; only an unreadable document is a ParseError.
func Parse(format string, content []byte) ([]models.RawRecord, error) {
	switch strings.ToLower(format) {
	case FormatJSON, "":
		return parseJSON(content)
	case FormatCSV:
		return parseCSV(content)
	default:
		return nil, &ParseError{Format: format, Err: errors.New("unsupported format")}
	}
}

// parseJSON accepts an array of objects or {"records": [...]}.
func parseJSON(content []byte) ([]models.RawRecord, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, &ParseError{Format: FormatJSON, Err: errors.New("empty document")}
	}
	var items []json.RawMessage
	if trimmed[0] == '{' {
		var wrapper struct {
			Records []json.RawMessage `json:"records"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, &ParseError{Format: FormatJSON, Err: err}
		}
		if wrapper.Records == nil {
			return nil, &ParseError{Format: FormatJSON, Err: errors.New(`object document must carry a "records" array`)}
		}
		items = wrapper.Records
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &ParseError{Format: FormatJSON, Err: err}
	}

	out := make([]models.RawRecord, 0, len(items))
	for i, item := range items {
		rec := models.RawRecord{LineNumber: i + 1, Raw: string(item), Fields: map[string]string{}}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			rec.Fields[malformedField] = "record is not a JSON object"
			out = append(out, rec)
			continue
		}
		for k, v := range obj {
			s, ok := flatten(v)
			if !ok {
				rec.Fields[malformedField] = fmt.Sprintf("field %q is not a scalar", k)
				continue
			}
			if s != "" {
				rec.Fields[k] = s
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// flatten renders a scalar as text. Numbers keep their literal form so large
// integer codes survive.
func flatten(v json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return "", false
	}
	switch t := x.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(t), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// parseCSV reads a header row followed by data rows.
func parseCSV(content []byte) ([]models.RawRecord, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Format: FormatCSV, Err: errors.New("missing header row")}
	}
	if err != nil {
		return nil, &ParseError{Format: FormatCSV, Err: err}
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var out []models.RawRecord
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Format: FormatCSV, Err: err}
		}
		line, _ := r.FieldPos(0)
		rec := models.RawRecord{LineNumber: line, Raw: strings.Join(row, ","), Fields: map[string]string{}}
		if len(row) != len(header) {
			rec.Fields[malformedField] = fmt.Sprintf("expected %d columns, got %d", len(header), len(row))
			out = append(out, rec)
			continue
		}
		for i, v := range row {
			if v = strings.TrimSpace(v); v != "" {
				rec.Fields[header[i]] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
