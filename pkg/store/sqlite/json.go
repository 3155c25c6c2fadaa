package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"
)

// marshalStrings encodes a string-ish slice as a JSON text column.
// Empty slices are stored as NULL.
func marshalStrings[T ~string](v []T) any {
	if len(v) == 0 {
		return nil
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings[T ~string](col sql.NullString) []T {
	if !col.Valid || col.String == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(col.String), &out); err != nil {
		return nil
	}
	return out
}

func rawOrNil(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullRaw(col sql.NullString) json.RawMessage {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.RawMessage(col.String)
}

func nullTimePtr(col sql.NullTime) *time.Time {
	if !col.Valid {
		return nil
	}
	t := col.Time
	return &t
}

func timePtrOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(col sql.NullString) string {
	if !col.Valid {
		return ""
	}
	return col.String
}

func strOrNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}
