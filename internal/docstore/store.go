// Package docstore wraps the shared sqlite document store behind the
// fetch/subscribe/write/append surface the editor components consume. It
// carries no business logic; change fan-out mimics a remote store's
// snapshot listeners.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"codedeck/internal/db"
	"codedeck/internal/logging"
)

const (
	CollectionProjects = "projects"
	CollectionSessions = "sessions"
	CollectionFiles    = "files"
)

var ErrUnknownCollection = errors.New("unknown collection")

// Record is one stored document flattened to wire-shaped fields.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

func (r Record) Str(key string) string {
	v, _ := r[key].(string)
	return v
}

// Filter scopes a subscription. Zero value matches every document in the
// collection; ID and ProjectID narrow it.
type Filter struct {
	ID        string
	ProjectID string
}

type Store struct {
	gdb    *gorm.DB
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
	nowFunc func() time.Time
}

func NewStore(gdb *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		gdb:     gdb,
		logger:  logger,
		subs:    map[uint64]*Subscription{},
		nowFunc: time.Now,
	}
}

func (s *Store) Fetch(ctx context.Context, collection, id string) (Record, bool, error) {
	switch collection {
	case CollectionProjects:
		var row db.Project
		err := s.gdb.WithContext(ctx).First(&row, "project_id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return projectRecord(row), true, nil
	case CollectionSessions:
		var row db.Session
		err := s.gdb.WithContext(ctx).First(&row, "session_id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return sessionRecord(row), true, nil
	case CollectionFiles:
		var row db.File
		err := s.gdb.WithContext(ctx).First(&row, "file_id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return fileRecord(row), true, nil
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
}

// Write replaces named fields on an existing document and fans the change out
// to matching subscriptions. Last writer wins; there is no version check.
func (s *Store) Write(ctx context.Context, collection, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return errors.New("no fields to write")
	}
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}

	var res *gorm.DB
	switch collection {
	case CollectionProjects:
		res = s.gdb.WithContext(ctx).Model(&db.Project{}).Where("project_id = ?", id).Updates(updates)
	case CollectionSessions:
		res = s.gdb.WithContext(ctx).Model(&db.Session{}).Where("session_id = ?", id).Updates(updates)
	case CollectionFiles:
		updates["updated_at"] = s.nowFunc().Unix()
		res = s.gdb.WithContext(ctx).Model(&db.File{}).Where("file_id = ?", id).Updates(updates)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s/%s not found", collection, id)
	}

	s.notify(ctx, collection, id)
	return nil
}

// Append creates a new document with a generated id and fans it out.
func (s *Store) Append(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	now := s.nowFunc().Unix()

	var err error
	switch collection {
	case CollectionProjects:
		err = s.gdb.WithContext(ctx).Create(&db.Project{
			ProjectID: id,
			Name:      str(fields, "name"),
			OwnerID:   str(fields, "owner_id"),
			CreatedAt: now,
		}).Error
	case CollectionSessions:
		err = s.gdb.WithContext(ctx).Create(&db.Session{
			SessionID: id,
			ProjectID: str(fields, "project_id"),
			OwnerID:   str(fields, "owner_id"),
			CreatedAt: now,
		}).Error
	case CollectionFiles:
		err = s.gdb.WithContext(ctx).Create(&db.File{
			FileID:    id,
			ProjectID: str(fields, "project_id"),
			Name:      str(fields, "name"),
			Content:   str(fields, "content"),
			UpdatedAt: now,
		}).Error
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if err != nil {
		return "", err
	}

	s.notify(ctx, collection, id)
	return id, nil
}

// List returns the record set matching the filter, newest last for files.
func (s *Store) List(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	switch collection {
	case CollectionProjects:
		var rows []db.Project
		q := s.gdb.WithContext(ctx).Order("created_at ASC")
		if filter.ID != "" {
			q = q.Where("project_id = ?", filter.ID)
		}
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(rows))
		for _, row := range rows {
			out = append(out, projectRecord(row))
		}
		return out, nil
	case CollectionSessions:
		var rows []db.Session
		q := s.gdb.WithContext(ctx).Order("created_at ASC")
		if filter.ID != "" {
			q = q.Where("session_id = ?", filter.ID)
		}
		if filter.ProjectID != "" {
			q = q.Where("project_id = ?", filter.ProjectID)
		}
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(rows))
		for _, row := range rows {
			out = append(out, sessionRecord(row))
		}
		return out, nil
	case CollectionFiles:
		var rows []db.File
		q := s.gdb.WithContext(ctx).Order("name ASC")
		if filter.ID != "" {
			q = q.Where("file_id = ?", filter.ID)
		}
		if filter.ProjectID != "" {
			q = q.Where("project_id = ?", filter.ProjectID)
		}
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(rows))
		for _, row := range rows {
			out = append(out, fileRecord(row))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
}

func projectRecord(row db.Project) Record {
	return Record{
		"id":         row.ProjectID,
		"name":       row.Name,
		"owner_id":   row.OwnerID,
		"created_at": row.CreatedAt,
	}
}

func sessionRecord(row db.Session) Record {
	return Record{
		"id":         row.SessionID,
		"project_id": row.ProjectID,
		"owner_id":   row.OwnerID,
		"created_at": row.CreatedAt,
	}
}

func fileRecord(row db.File) Record {
	return Record{
		"id":         row.FileID,
		"project_id": row.ProjectID,
		"name":       row.Name,
		"content":    row.Content,
		"updated_at": row.UpdatedAt,
	}
}

func str(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}
