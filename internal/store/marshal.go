package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/capgate/internal/protocol"
)

// marshalPayload converts a result or error to canonical JSON TEXT.
// A nil payload is stored as SQL NULL.
func marshalPayload(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := protocol.MarshalCanonical(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalResult(col sql.NullString) (any, error) {
	if !col.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return v, nil
}

func unmarshalError(col sql.NullString) (*protocol.Error, error) {
	if !col.Valid {
		return nil, nil
	}
	var e protocol.Error
	if err := json.Unmarshal([]byte(col.String), &e); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return &e, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
