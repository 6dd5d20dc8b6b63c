package tripdata

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DecodeObject decodes a raw-layer object into trip records. The raw layer
// holds single-event JSON objects and JSON arrays (realtime path) plus
// gzipped NDJSON batches (historical path); the key extension decides.
func DecodeObject(key string, data []byte) ([]RawTrip, error) {
	switch {
	case strings.HasSuffix(key, ".ndjson.gz"):
		return DecodeNDJSONGz(data)
	case strings.HasSuffix(key, ".ndjson"):
		return decodeNDJSON(data)
	case strings.HasSuffix(key, ".json"):
		return decodeJSON(data)
	default:
		return nil, fmt.Errorf("unsupported object format for key %q", key)
	}
}

func decodeJSON(data []byte) ([]RawTrip, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []RawTrip
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to decode JSON array: %w", err)
		}
		return records, nil
	}
	var record RawTrip
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode JSON object: %w", err)
	}
	return []RawTrip{record}, nil
}

func decodeNDJSON(data []byte) ([]RawTrip, error) {
	var records []RawTrip
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var record RawTrip
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("failed to decode NDJSON line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan NDJSON: %w", err)
	}
	return records, nil
}

// EncodeNDJSONGz encodes records as gzipped NDJSON, the batch object format
// used for historical loads into the raw layer.
func EncodeNDJSONGz(records []RawTrip) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for i, record := range records {
		if err := enc.Encode(record); err != nil {
			return nil, fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeNDJSONGz decodes a gzipped NDJSON batch object.
func DecodeNDJSONGz(data []byte) ([]RawTrip, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip reader: %w", err)
	}
	defer gz.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(gz); err != nil {
		return nil, fmt.Errorf("failed to decompress NDJSON: %w", err)
	}
	return decodeNDJSON(out.Bytes())
}
