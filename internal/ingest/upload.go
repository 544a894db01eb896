package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported upload format")
	ErrEmptyUpload       = errors.New("upload is empty")
	ErrNoRecords         = errors.New("upload contains no readable records")
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

var positionalColumns = []string{"timestamp", "sensor_id", "sensor_value", "target_value"}

type Upload struct {
	Format  string            `json:"format"`
	Records []model.RawRecord `json:"-"`
	Events  []model.Event     `json:"-"`
	Skipped int               `json:"skipped"`
}

// ParseUpload reads a CSV, JSON (array, object or one object per line) or XLSX
// file. Malformed rows are skipped and counted.
func ParseUpload(name string, r io.Reader, opts normalize.Options) (*Upload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyUpload
	}
	format, err := detectFormat(name, data)
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	var skipped int
	switch format {
	case FormatCSV:
		rows, skipped, err = decodeCSV(data)
	case FormatJSON:
		rows, skipped, err = DecodeJSON(data)
	case FormatXLSX:
		rows, skipped, err = decodeXLSX(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s upload: %w", format, err)
	}
	if len(rows) == 0 {
		return nil, ErrNoRecords
	}

	records := make([]model.RawRecord, 0, len(rows))
	for i, fields := range rows {
		records = append(records, model.RawRecord{ID: rowID(fields, i), Fields: fields, Change: model.ChangeAdded})
	}
	return &Upload{
		Format:  format,
		Records: records,
		Events:  Normalize(records, opts),
		Skipped: skipped,
	}, nil
}

func detectFormat(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".json", ".ndjson", ".jsonl":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	case "":
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return FormatXLSX, nil
	}
	if looksLikeJSON(string(data)) {
		return FormatJSON, nil
	}
	return FormatCSV, nil
}

func rowID(fields map[string]any, i int) string {
	if v, ok := fields["id"]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return fmt.Sprintf("row-%d", i+1)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// DecodeJSON accepts an array of objects, a single object, or newline
// delimited objects. Non-object elements and unreadable lines are skipped.
func DecodeJSON(data []byte) ([]map[string]any, int, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, 0, ErrEmptyUpload
	}
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, 0, err
		}
		out := make([]map[string]any, 0, len(list))
		skipped := 0
		for _, raw := range list {
			obj, err := decodeObject(raw)
			if err != nil {
				skipped++
				continue
			}
			out = append(out, obj)
		}
		return out, skipped, nil
	}
	if obj, err := decodeObject(trim); err == nil {
		return []map[string]any{obj}, 0, nil
	}

	out := make([]map[string]any, 0)
	skipped := 0
	sc := bufio.NewScanner(bytes.NewReader(trim))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		obj, err := decodeObject(line)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, err
	}
	return out, skipped, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not an object")
	}
	return obj, nil
}

func decodeCSV(data []byte) ([]map[string]any, int, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var header []string
	out := make([]map[string]any, 0)
	skipped := 0
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped++
				continue
			}
			return nil, skipped, err
		}
		if first {
			first = false
			if looksLikeHeader(record) {
				header = normalizeHeader(record)
				continue
			}
		}
		if row := assignRow(header, record); row != nil {
			out = append(out, row)
		} else {
			skipped++
		}
	}
	return out, skipped, nil
}

func decodeXLSX(data []byte) ([]map[string]any, int, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, 0, ErrNoRecords
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, ErrNoRecords
	}
	var header []string
	start := 0
	if looksLikeHeader(rows[0]) {
		header = normalizeHeader(rows[0])
		start = 1
	}
	out := make([]map[string]any, 0, len(rows)-start)
	skipped := 0
	for _, record := range rows[start:] {
		if row := assignRow(header, record); row != nil {
			out = append(out, row)
		} else {
			skipped++
		}
	}
	return out, skipped, nil
}

// assignRow maps cells onto column names, or onto the positional layout
// timestamp,sensor_id,sensor_value,target_value without a header. Blank rows
// return nil.
func assignRow(header []string, record []string) map[string]any {
	cols := header
	if cols == nil {
		cols = positionalColumns
	}
	row := make(map[string]any, len(cols))
	for i, name := range cols {
		if i >= len(record) {
			break
		}
		v := strings.TrimSpace(record[i])
		if name == "" || v == "" {
			continue
		}
		row[name] = v
	}
	if len(row) == 0 {
		return nil
	}
	return row
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch headerName(v) {
		case "timestamp", "time", "ts", "observed_at", "sensor_id", "sensorid", "sensor", "device",
			"sensor_value", "value", "target_value", "label", "is_anomalous", "id":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = headerName(v)
	}
	return out
}

// headerName lower-cases a column name and drops a leading byte order mark.
func headerName(v string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "\ufeff")))
}
