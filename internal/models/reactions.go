package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Reactions maps a reaction kind to its count.
type Reactions map[string]int

// Clone copies the counters.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Apply adds delta to kind, never going below zero.
func (r Reactions) Apply(kind string, delta int) Reactions {
	out := r.Clone()
	if out == nil {
		out = Reactions{}
	}
	next := out[kind] + delta
	if next <= 0 {
		delete(out, kind)
	} else {
		out[kind] = next
	}
	return out
}

// Value implements driver.Valuer for JSONB columns.
func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for JSONB columns.
func (r *Reactions) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan reactions: unsupported type %T", src)
	}
	out := Reactions{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan reactions: %w", err)
	}
	if len(out) == 0 {
		out = nil
	}
	*r = out
	return nil
}
