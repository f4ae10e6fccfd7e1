package hostapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/tonimelisma/todosync/internal/api"
)

// todoFilePermissions matches the standard config file permissions.
const todoFilePermissions = 0o644

// FileProvider adapts a JSON todo file maintained by the host application.
// The file holds one list per project:
//
//	{"projects": {"Inbox": [{"id": "...", "title": "...", ...}]}}
//
// Reads and writes go through the whole document; writes are atomic via
// temp-and-rename so the host application never sees a partial file.
type FileProvider struct {
	path    string
	project string
}

// NewFileProvider creates a provider for one project inside the todo file.
func NewFileProvider(path, project string) *FileProvider {
	return &FileProvider{path: path, project: project}
}

type todoDocument struct {
	Projects map[string][]fileItem `json:"projects"`
}

type fileItem struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Notes   string   `json:"notes"`
	DueDate *string  `json:"dueDate"`
	Tags    []string `json:"tags"`
	Status  string   `json:"status"`
}

// List returns the project's todos in file order. A missing file or missing
// project is an empty list, not an error: the host application creates the
// structure lazily.
func (p *FileProvider) List(_ context.Context) ([]Item, error) {
	doc, err := p.read()
	if err != nil {
		return nil, err
	}

	entries := doc.Projects[p.project]
	items := make([]Item, 0, len(entries))

	for _, e := range entries {
		status := api.Status(e.Status)
		if !api.ValidStatus(status) {
			status = api.StatusOpen
		}

		items = append(items, Item{
			LocalID: e.ID,
			Fields: Fields{
				Title:   e.Title,
				Notes:   e.Notes,
				DueDate: e.DueDate,
				Tags:    api.NormalizeTags(e.Tags),
				Status:  status,
			},
		})
	}

	return items, nil
}

// Create appends a todo to the project list.
func (p *FileProvider) Create(_ context.Context, f Fields) error {
	doc, err := p.read()
	if err != nil {
		return err
	}

	if doc.Projects == nil {
		doc.Projects = map[string][]fileItem{}
	}

	doc.Projects[p.project] = append(doc.Projects[p.project], fileItem{
		ID:      uuid.NewString(),
		Title:   f.Title,
		Notes:   f.Notes,
		DueDate: f.DueDate,
		Tags:    api.NormalizeTags(f.Tags),
		Status:  string(f.Status),
	})

	return p.write(doc)
}

// Update replaces the fields of the todo with the given local id.
func (p *FileProvider) Update(_ context.Context, localID string, f Fields) error {
	doc, err := p.read()
	if err != nil {
		return err
	}

	entries := doc.Projects[p.project]
	for i := range entries {
		if entries[i].ID != localID {
			continue
		}

		entries[i].Title = f.Title
		entries[i].Notes = f.Notes
		entries[i].DueDate = f.DueDate
		entries[i].Tags = api.NormalizeTags(f.Tags)
		entries[i].Status = string(f.Status)

		return p.write(doc)
	}

	return fmt.Errorf("hostapp: todo %s not found in project %s", localID, p.project)
}

func (p *FileProvider) read() (*todoDocument, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return &todoDocument{Projects: map[string][]fileItem{}}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("hostapp: reading todo file %s: %w", p.path, err)
	}

	var doc todoDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("hostapp: decoding todo file %s: %w", p.path, err)
	}

	if doc.Projects == nil {
		doc.Projects = map[string][]fileItem{}
	}

	return &doc, nil
}

func (p *FileProvider) write(doc *todoDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("hostapp: encoding todo file: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", p.path, os.Getpid())

	if err := os.WriteFile(tmpPath, data, todoFilePermissions); err != nil {
		return fmt.Errorf("hostapp: writing todo file: %w", err)
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hostapp: replacing todo file: %w", err)
	}

	return nil
}
