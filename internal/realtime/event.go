package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ChangeType enumerates row-level change kinds emitted by the hosted backend.
type ChangeType string

const (
	// ChangeInsert marks a newly inserted row.
	ChangeInsert ChangeType = "INSERT"
	// ChangeUpdate marks an updated row.
	ChangeUpdate ChangeType = "UPDATE"
	// ChangeDelete marks a deleted row; the row is carried in OldRecord.
	ChangeDelete ChangeType = "DELETE"
	// ChangeAny matches every change type in filters.
	ChangeAny ChangeType = "*"
)

const (
	// DefaultSchema is the schema the hosted backend publishes application tables under.
	DefaultSchema = "public"

	filterOpEqual    = "eq"
	filterOpNotEqual = "neq"
	filterOpIn       = "in"
)

// ErrInvalidFilter indicates that a row filter expression cannot be parsed.
var ErrInvalidFilter = errors.New("realtime: invalid row filter")

// Event is a normalized row change delivered on a channel.
type Event struct {
	Type            ChangeType      `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// Row returns the payload that describes the affected row.
func (e Event) Row() json.RawMessage {
	if e.Type == ChangeDelete && len(e.OldRecord) > 0 {
		return e.OldRecord
	}
	return e.Record
}

// Decode unmarshals the affected row into target.
func (e Event) Decode(target any) error {
	row := e.Row()
	if len(row) == 0 {
		return fmt.Errorf("realtime: %s event on %s carries no record", e.Type, e.Table)
	}
	return json.Unmarshal(row, target)
}

// EventFilter selects the row changes a channel binding receives.
// Filter uses the hosted backend syntax: "column=eq.value", "column=neq.value"
// or "column=in.(a,b)".
type EventFilter struct {
	Event  ChangeType `json:"event"`
	Schema string     `json:"schema"`
	Table  string     `json:"table"`
	Filter string     `json:"filter,omitempty"`
}

// RowEquals builds an equality row filter expression.
func RowEquals(column, value string) string {
	return column + "=" + filterOpEqual + "." + value
}

// Validate reports whether the filter expression is well formed.
func (f EventFilter) Validate() error {
	if strings.TrimSpace(f.Table) == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidFilter)
	}
	if f.Filter == "" {
		return nil
	}
	_, _, _, err := parseRowFilter(f.Filter)
	return err
}

// Matches reports whether the event satisfies the filter.
func (f EventFilter) Matches(event Event) bool {
	if f.Event != "" && f.Event != ChangeAny && f.Event != event.Type {
		return false
	}
	if f.Schema != "" && event.Schema != "" && f.Schema != event.Schema {
		return false
	}
	if f.Table != event.Table {
		return false
	}
	if f.Filter == "" {
		return true
	}
	column, operator, operand, err := parseRowFilter(f.Filter)
	if err != nil {
		return false
	}
	field := gjson.GetBytes(event.Row(), column)
	if !field.Exists() {
		return false
	}
	value := field.String()
	switch operator {
	case filterOpEqual:
		return value == operand
	case filterOpNotEqual:
		return value != operand
	case filterOpIn:
		for _, candidate := range splitInList(operand) {
			if candidate == value {
				return true
			}
		}
	}
	return false
}

func parseRowFilter(expression string) (string, string, string, error) {
	column, rest, found := strings.Cut(expression, "=")
	column = strings.TrimSpace(column)
	if !found || column == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidFilter, expression)
	}
	operator, operand, found := strings.Cut(rest, ".")
	if !found {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidFilter, expression)
	}
	switch operator {
	case filterOpEqual, filterOpNotEqual, filterOpIn:
	default:
		return "", "", "", fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, operator)
	}
	return column, operator, operand, nil
}

func splitInList(operand string) []string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(operand, "("), ")")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	for index := range parts {
		parts[index] = strings.TrimSpace(parts[index])
	}
	return parts
}
