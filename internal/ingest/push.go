package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"factorywatch/internal/model"
)

var ErrEmptyPush = errors.New("push body is empty")

// DecodePush reads one object, an array of objects or newline delimited
// objects sent by a producer. Documents without an id get a fresh one.
func DecodePush(body []byte) ([]model.RawRecord, int, error) {
	trim := bytesTrim(body)
	if len(trim) == 0 {
		return nil, 0, ErrEmptyPush
	}
	if !looksLikeJSON(string(trim)) {
		return nil, 0, errors.New("push body must be JSON")
	}
	rows, skipped, err := DecodeJSON(trim)
	if err != nil {
		return nil, skipped, err
	}
	out := make([]model.RawRecord, 0, len(rows))
	for _, fields := range rows {
		id := ""
		if v, ok := fields["id"]; ok && v != nil {
			id = strings.TrimSpace(fmt.Sprint(v))
			delete(fields, "id")
		}
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, model.RawRecord{ID: id, Fields: fields, Change: model.ChangeAdded})
	}
	return out, skipped, nil
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
