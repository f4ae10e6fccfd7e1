package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
)

// todoRow is the database representation of a todo. Timestamps are Unix
// nanoseconds; tags are a JSON array in a TEXT column.
type todoRow struct {
	ID        string
	Title     string
	Notes     string
	DueDate   sql.NullString
	TagsJSON  string
	Status    string
	Position  int
	EditedAt  int64
	UpdatedAt int64
	CreatedBy string
	UpdatedBy string
}

const todoColumns = `id, title, notes, due_date, tags, status, position,
	edited_at, updated_at, created_by, updated_by`

// scanTodo scans a row in todoColumns order.
func scanTodo(scan func(dest ...any) error) (todoRow, error) {
	var r todoRow

	err := scan(&r.ID, &r.Title, &r.Notes, &r.DueDate, &r.TagsJSON, &r.Status,
		&r.Position, &r.EditedAt, &r.UpdatedAt, &r.CreatedBy, &r.UpdatedBy)
	if err != nil {
		return todoRow{}, err
	}

	return r, nil
}

// toAPI converts a database row to the wire representation.
func (r todoRow) toAPI() (api.Todo, error) {
	var tags []string
	if err := json.Unmarshal([]byte(r.TagsJSON), &tags); err != nil {
		return api.Todo{}, fmt.Errorf("store: decoding tags for todo %s: %w", r.ID, err)
	}

	var dueDate *string
	if r.DueDate.Valid {
		d := r.DueDate.String
		dueDate = &d
	}

	return api.Todo{
		ID:        r.ID,
		Title:     r.Title,
		Notes:     r.Notes,
		DueDate:   dueDate,
		Tags:      api.NormalizeTags(tags),
		Status:    api.Status(r.Status),
		Position:  r.Position,
		EditedAt:  api.FormatTime(time.Unix(0, r.EditedAt)),
		UpdatedAt: api.FormatTime(time.Unix(0, r.UpdatedAt)),
		CreatedBy: r.CreatedBy,
		UpdatedBy: r.UpdatedBy,
	}, nil
}

// encodeTags serializes a tag set for storage; nil becomes "[]".
func encodeTags(tags []string) (string, error) {
	data, err := json.Marshal(api.NormalizeTags(tags))
	if err != nil {
		return "", fmt.Errorf("store: encoding tags: %w", err)
	}

	return string(data), nil
}

// nullableDueDate converts an optional wire due date to a SQL value.
func nullableDueDate(d *string) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *d, Valid: true}
}
