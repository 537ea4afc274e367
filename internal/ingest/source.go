package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Source yields raw game records. Next returns io.EOF when the source
// is exhausted; any other error describes a single malformed record and
// iteration may continue.
type Source interface {
	Next() (*RawGameRecord, error)
	Close() error
}

// maxRecordSize bounds a single summary line. Replays with huge decks
// still fit comfortably.
const maxRecordSize = 4 * 1024 * 1024

// JSONLSource reads one JSON game summary per line.
type JSONLSource struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// NewJSONLSource opens a JSONL summary file.
func NewJSONLSource(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary file: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	return &JSONLSource{file: f, scanner: scanner}, nil
}

// Next returns the next record. Blank lines are skipped; a malformed
// line is reported as a per-record error.
func (s *JSONLSource) Next() (*RawGameRecord, error) {
	for s.scanner.Scan() {
		s.line++
		data := s.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var rec RawGameRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("malformed record at line %d: %w", s.line, err)
		}
		return &rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read summary file: %w", err)
	}
	return nil, io.EOF
}

// Close closes the underlying file.
func (s *JSONLSource) Close() error {
	return s.file.Close()
}

// SliceSource serves records from memory, for tests.
type SliceSource struct {
	records []*RawGameRecord
	pos     int
}

// NewSliceSource creates a source over the given records.
func NewSliceSource(records []*RawGameRecord) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next() (*RawGameRecord, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *SliceSource) Close() error { return nil }
