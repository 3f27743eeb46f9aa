// Package filesync keeps one active file's content consistent between local
// edits and the shared document store. Local typing is never blocked by
// network latency; remote notifications that merely confirm our own write are
// suppressed so the buffer never flickers.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"codedeck/internal/docstore"
	"codedeck/internal/logging"
)

var ErrNoFileOpen = errors.New("no file open")

const defaultDebounce = 500 * time.Millisecond

// Engine owns the local buffer for exactly one open file at a time. At most
// one store subscription is active; switching files unsubscribes first.
type Engine struct {
	store    *docstore.Store
	debounce time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	fileID      string
	content     string
	lastWritten string
	sub         *docstore.Subscription
	pumpDone    chan struct{}
	timer       *time.Timer
	closed      bool

	onRemote func(fileID, content string)
}

func NewEngine(store *docstore.Store, debounce time.Duration, logger *slog.Logger) *Engine {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{store: store, debounce: debounce, logger: logger}
}

// OnRemoteChange registers the callback fired when a peer's edit replaces the
// local buffer. Confirmations of our own writes never fire it.
func (e *Engine) OnRemoteChange(fn func(fileID, content string)) {
	e.mu.Lock()
	e.onRemote = fn
	e.mu.Unlock()
}

// Open switches the engine to fileID: it flushes any in-flight write for the
// previous file, fetches the latest remote content, then subscribes for
// changes. Fetch-then-subscribe avoids an initial empty flash.
func (e *Engine) Open(ctx context.Context, fileID string) (string, error) {
	e.detach(true)

	rec, ok, err := e.store.Fetch(ctx, docstore.CollectionFiles, fileID)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fileID, err)
	}
	if !ok {
		return "", fmt.Errorf("open %s: file not found", fileID)
	}
	content := rec.Str("content")

	sub := e.store.Subscribe(docstore.CollectionFiles, docstore.Filter{ID: fileID})
	pumpDone := make(chan struct{})

	e.mu.Lock()
	e.fileID = fileID
	e.content = content
	e.lastWritten = content
	e.sub = sub
	e.pumpDone = pumpDone
	e.mu.Unlock()

	go e.pump(fileID, sub, pumpDone)
	return content, nil
}

// Edit applies a local keystroke: the visible buffer updates immediately, the
// store write is debounced.
func (e *Engine) Edit(fileID, newContent string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if e.fileID == "" {
		return ErrNoFileOpen
	}
	if fileID != e.fileID {
		e.logger.Warn("edit for non-open file ignored", "file_id", fileID, "open", e.fileID)
		return nil
	}

	e.content = newContent
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() { e.flush(fileID) })
	return nil
}

// Content returns the current local buffer.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// FileID returns the open file's id, empty when none is open.
func (e *Engine) FileID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileID
}

// Close flushes any pending write and cancels the subscription. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.detach(true)
}

// detach cancels the current subscription; when flushPending is set, an
// armed debounce fires immediately so the last edit still reaches the store
// after a file switch (fire-and-forget).
func (e *Engine) detach(flushPending bool) {
	e.mu.Lock()
	sub := e.sub
	pumpDone := e.pumpDone
	timer := e.timer
	fileID := e.fileID
	value := e.content
	e.sub = nil
	e.pumpDone = nil
	e.timer = nil
	e.fileID = ""
	e.mu.Unlock()

	pending := timer != nil && timer.Stop()
	if pending && flushPending && fileID != "" {
		go e.writeValue(fileID, value)
	}
	if sub != nil {
		sub.Cancel()
		<-pumpDone
	}
}

// writeValue is the fire-and-forget path used when a debounced write is
// still pending at file-switch time. No retry: the view has moved on.
func (e *Engine) writeValue(fileID, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Write(ctx, docstore.CollectionFiles, fileID, map[string]any{"content": value}); err != nil {
		e.logger.Warn("pending write after switch failed", "file_id", fileID, "err", err)
	}
}

// flush writes the latest local value. The written value is remembered so the
// store's echo notification is treated as a confirmation, not a remote edit.
func (e *Engine) flush(fileID string) {
	e.mu.Lock()
	value := e.content
	e.lastWritten = value
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Write(ctx, docstore.CollectionFiles, fileID, map[string]any{"content": value}); err != nil {
		e.logger.Warn("file write failed, will retry with latest value", "file_id", fileID, "err", err)
		e.mu.Lock()
		stillOpen := e.fileID == fileID && !e.closed
		if stillOpen {
			if e.timer != nil {
				e.timer.Stop()
			}
			e.timer = time.AfterFunc(e.debounce, func() { e.flush(fileID) })
		}
		e.mu.Unlock()
	}
}

// pump applies inbound snapshots. A notification equal to the last value this
// engine wrote is a confirmation; a different value always wins and replaces
// the local buffer (last-writer-wins, no merge).
func (e *Engine) pump(fileID string, sub *docstore.Subscription, done chan struct{}) {
	defer close(done)
	for records := range sub.C() {
		var remote string
		found := false
		for _, rec := range records {
			if rec.ID() == fileID {
				remote = rec.Str("content")
				found = true
				break
			}
		}
		if !found {
			continue
		}

		e.mu.Lock()
		if e.fileID != fileID || remote == e.lastWritten {
			e.mu.Unlock()
			continue
		}
		e.content = remote
		e.lastWritten = remote
		fn := e.onRemote
		e.mu.Unlock()

		if fn != nil {
			fn(fileID, remote)
		}
	}
}
