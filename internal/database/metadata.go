package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// EncodeMetadata turns a metadata map into a JSON text parameter. Empty maps
// are stored as NULL.
func EncodeMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata parses a JSON metadata column. NULL decodes to a nil map.
func DecodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, nil
}

// NullString maps the empty string to NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
