// Package directory maintains the file list of one project and the
// client-local selection feeding the file sync engine.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"codedeck/internal/docstore"
	"codedeck/internal/logging"
)

var ErrUnknownFile = errors.New("file not in project")

// Summary is the sidebar view of one file.
type Summary struct {
	FileID string
	Name   string
}

type Directory struct {
	store  *docstore.Store
	logger *slog.Logger

	mu        sync.Mutex
	projectID string
	files     []Summary
	selected  string
	sub       *docstore.Subscription
	pumpDone  chan struct{}
	onChange  func(files []Summary, selectedID string)
	closed    bool
}

func New(store *docstore.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Directory{store: store, logger: logger}
}

// OnChange registers the callback fired after every list refresh.
func (d *Directory) OnChange(fn func(files []Summary, selectedID string)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Open loads the project's file list and subscribes for changes. The first
// file becomes the initial selection when one exists.
func (d *Directory) Open(ctx context.Context, projectID string) ([]Summary, error) {
	d.detach()

	records, err := d.store.List(ctx, docstore.CollectionFiles, docstore.Filter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", projectID, err)
	}
	files := toSummaries(records)

	sub := d.store.Subscribe(docstore.CollectionFiles, docstore.Filter{ProjectID: projectID})
	pumpDone := make(chan struct{})

	d.mu.Lock()
	d.projectID = projectID
	d.files = files
	d.selected = ""
	if len(files) > 0 {
		d.selected = files[0].FileID
	}
	d.sub = sub
	d.pumpDone = pumpDone
	d.mu.Unlock()

	go d.pump(projectID, sub, pumpDone)
	return files, nil
}

// Files returns the current list snapshot.
func (d *Directory) Files() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Summary, len(d.files))
	copy(out, d.files)
	return out
}

// Selected returns the selected file id, empty when none.
func (d *Directory) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Select switches the selection unconditionally; any in-flight write for the
// previous file is the sync engine's to finish.
func (d *Directory) Select(fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		if f.FileID == fileID {
			d.selected = fileID
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
}

// CreateFile adds an empty file to the open project and selects it.
func (d *Directory) CreateFile(ctx context.Context, name string) (Summary, error) {
	d.mu.Lock()
	projectID := d.projectID
	d.mu.Unlock()
	if projectID == "" {
		return Summary{}, errors.New("no project open")
	}

	id, err := d.store.Append(ctx, docstore.CollectionFiles, map[string]any{
		"project_id": projectID,
		"name":       name,
		"content":    "",
	})
	if err != nil {
		return Summary{}, fmt.Errorf("create file %s: %w", name, err)
	}

	created := Summary{FileID: id, Name: name}
	d.mu.Lock()
	d.selected = id
	found := false
	for _, f := range d.files {
		if f.FileID == id {
			found = true
			break
		}
	}
	if !found {
		d.files = append(d.files, created)
	}
	d.mu.Unlock()
	return created, nil
}

// Close cancels the subscription. Idempotent.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.detach()
}

func (d *Directory) detach() {
	d.mu.Lock()
	sub := d.sub
	pumpDone := d.pumpDone
	d.sub = nil
	d.pumpDone = nil
	d.projectID = ""
	d.mu.Unlock()

	if sub != nil {
		sub.Cancel()
		<-pumpDone
	}
}

func (d *Directory) pump(projectID string, sub *docstore.Subscription, done chan struct{}) {
	defer close(done)
	for records := range sub.C() {
		files := toSummaries(records)

		d.mu.Lock()
		if d.projectID != projectID {
			d.mu.Unlock()
			continue
		}
		d.files = files
		if d.selected == "" && len(files) > 0 {
			d.selected = files[0].FileID
		}
		selected := d.selected
		fn := d.onChange
		d.mu.Unlock()

		if fn != nil {
			fn(files, selected)
		}
	}
}

func toSummaries(records []docstore.Record) []Summary {
	out := make([]Summary, 0, len(records))
	for _, rec := range records {
		out = append(out, Summary{FileID: rec.ID(), Name: rec.Str("name")})
	}
	return out
}
