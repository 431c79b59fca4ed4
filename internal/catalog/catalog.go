// Package catalog resolves video ids to files. It keeps the scanned library in
// memory, persists it in SQLite and rescans on demand or on directory changes.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

// VideoStore is the persistence the catalog needs.
type VideoStore interface {
	ListVideos(ctx context.Context) ([]domain.Video, error)
	ReplaceVideos(ctx context.Context, videos []domain.Video) error
	DeleteVideo(ctx context.Context, id string) error
	DeletedVideoIDs(ctx context.Context) ([]string, error)
}

type Catalog struct {
	store   VideoStore
	library *Library
	logger  zerolog.Logger

	// refreshMu serializes rescans and deletes.
	refreshMu sync.Mutex

	mu     sync.RWMutex
	videos map[string]domain.Video
	// deleted ids stay hidden from rescans while their files remain.
	deleted map[string]struct{}
}

// New returns an empty catalog. library may be nil when no library dir is
// configured; Refresh is then a no-op.
func New(store VideoStore, library *Library) *Catalog {
	return &Catalog{
		store:   store,
		library: library,
		logger:  xlog.WithComponent("catalog"),
		videos:  map[string]domain.Video{},
		deleted: map[string]struct{}{},
	}
}

// Load fills the catalog from the store.
func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	videos, err := c.store.ListVideos(ctx)
	if err != nil {
		return fmt.Errorf("load videos: %w", err)
	}
	deleted, err := c.store.DeletedVideoIDs(ctx)
	if err != nil {
		return fmt.Errorf("load deleted videos: %w", err)
	}
	c.mu.Lock()
	for _, id := range deleted {
		c.deleted[id] = struct{}{}
	}
	c.mu.Unlock()
	c.replace(videos)
	c.logger.Info().Str(xlog.FieldEvent, "catalog.loaded").Int("videos", len(videos)).Msg("catalog loaded")
	return nil
}

// Refresh rescans the library and persists the result.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	if c.library == nil {
		return c.Len(), nil
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	videos, err := c.library.Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan library: %w", err)
	}
	videos = c.withoutDeleted(videos)
	if c.store != nil {
		if err := c.store.ReplaceVideos(ctx, videos); err != nil {
			return 0, fmt.Errorf("persist videos: %w", err)
		}
	}
	c.replace(videos)
	c.logger.Info().
		Str(xlog.FieldEvent, "catalog.refreshed").
		Str("dir", c.library.Dir()).
		Int("videos", len(videos)).
		Msg("library rescanned")
	return len(videos), nil
}

// Resolve looks a video up by id.
func (c *Catalog) Resolve(_ context.Context, id string) (domain.Video, error) {
	id = strings.TrimSpace(id)
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.videos[id]
	if !ok {
		return domain.Video{}, domain.VideoNotFound(id)
	}
	return v, nil
}

func (c *Catalog) List() []domain.Video {
	c.mu.RLock()
	out := make([]domain.Video, 0, len(c.videos))
	for _, v := range c.videos {
		out = append(out, v)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.videos)
}

// Delete removes a video from the catalog for good; the file is left alone
// and later rescans skip it. Callers check for serving sessions first.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	_, ok := c.videos[id]
	c.mu.RUnlock()
	if !ok {
		return domain.VideoNotFound(id)
	}
	if c.store != nil {
		if err := c.store.DeleteVideo(ctx, id); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete video %s: %w", id, err)
		}
	}

	c.mu.Lock()
	delete(c.videos, id)
	c.deleted[id] = struct{}{}
	c.mu.Unlock()
	c.logger.Info().Str(xlog.FieldEvent, "catalog.deleted").Str(xlog.FieldVideoID, id).Msg("video removed from catalog")
	return nil
}

func (c *Catalog) withoutDeleted(videos []domain.Video) []domain.Video {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.deleted) == 0 {
		return videos
	}
	kept := videos[:0]
	for _, v := range videos {
		if _, gone := c.deleted[v.ID]; !gone {
			kept = append(kept, v)
		}
	}
	return kept
}

func (c *Catalog) replace(videos []domain.Video) {
	next := make(map[string]domain.Video, len(videos))
	for _, v := range videos {
		next[v.ID] = v
	}
	c.mu.Lock()
	c.videos = next
	c.mu.Unlock()
}

func isNotFound(err error) bool {
	return domain.Code(err) == "VIDEO_NOT_FOUND"
}
