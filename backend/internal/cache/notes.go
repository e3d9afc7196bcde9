// Package cache holds the Redis read-through note cache and device presence.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
	"notesync/backend/internal/store"
)

const (
	nullMarker = "-"
	nullTTL    = 5 * time.Minute

	// optimistic transaction retries before the cache write is given up
	casAttempts = 3
)

// CachedNoteStore wraps a NoteStore with a read-through cache for Get.
// Writes go to the store first and then refresh the cached copy. A cached
// copy is only ever replaced by one at least as new, and a delete leaves
// the null marker behind, so a slow read cannot put back an old row.
// Redis trouble degrades to direct store access.
type CachedNoteStore struct {
	next   store.NoteStore
	rdb    redis.UniversalClient
	sf     singleflight.Group
	ttl    time.Duration
	jitter time.Duration
	log    logging.Logger
}

var _ store.NoteStore = (*CachedNoteStore)(nil)

func NewCachedNoteStore(next store.NoteStore, rdb redis.UniversalClient, ttl time.Duration, log logging.Logger) *CachedNoteStore {
	return &CachedNoteStore{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		jitter: ttl / 10,
		log:    log,
	}
}

// randomTTL spreads expiry so entries written together don't expire together.
func (c *CachedNoteStore) randomTTL() time.Duration {
	if c.jitter <= 0 {
		return c.ttl
	}
	return c.ttl + time.Duration(rand.Int63n(int64(c.jitter)))
}

// readCache reports (note, hit, known-missing, err).
func (c *CachedNoteStore) readCache(ctx context.Context, key string) (note.Note, bool, bool, error) {
	res, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return note.Note{}, false, false, nil
		}
		return note.Note{}, false, false, err
	}
	if res == nullMarker {
		return note.Note{}, false, true, nil
	}
	var n note.Note
	if err := json.Unmarshal([]byte(res), &n); err != nil {
		return note.Note{}, false, false, err
	}
	return n, true, false, nil
}

// replaceable reports whether cached may be overwritten by n. The null
// marker only gives way to a freshly created note.
func replaceable(cached string, n note.Note, created bool) bool {
	if cached == nullMarker {
		return created
	}
	var old note.Note
	if err := json.Unmarshal([]byte(cached), &old); err != nil {
		return true
	}
	return !old.UpdatedAt.After(n.UpdatedAt)
}

// writeCache stores n unless the key already holds something newer,
// checked and set under WATCH.
func (c *CachedNoteStore) writeCache(ctx context.Context, n note.Note, created bool) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	key := noteKey(n.OwnerID, n.ID)
	txf := func(tx *redis.Tx) error {
		cached, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && !replaceable(cached, n, created) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, c.randomTTL())
			return nil
		})
		return err
	}
	for i := 0; i < casAttempts; i++ {
		err = c.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		c.log.Warn(ctx, "note cache write failed", "note_id", n.ID, "err", err)
	}
}

// writeNullCache marks key missing after a store miss, unless a create
// got there first.
func (c *CachedNoteStore) writeNullCache(ctx context.Context, key string) {
	if err := c.rdb.SetNX(ctx, key, nullMarker, nullTTL).Err(); err != nil {
		c.log.Warn(ctx, "note cache null write failed", "key", key, "err", err)
	}
}

// markDeleted replaces whatever is cached with the null marker.
func (c *CachedNoteStore) markDeleted(ctx context.Context, ownerID uint64, noteID string) {
	if err := c.rdb.Set(ctx, noteKey(ownerID, noteID), nullMarker, nullTTL).Err(); err != nil {
		c.log.Warn(ctx, "note cache delete mark failed", "note_id", noteID, "err", err)
	}
}

func (c *CachedNoteStore) Get(ctx context.Context, ownerID uint64, noteID string) (note.Note, error) {
	key := noteKey(ownerID, noteID)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		n, hit, missing, err := c.readCache(ctx, key)
		if err != nil {
			c.log.Warn(ctx, "note cache read failed", "key", key, "err", err)
		}
		if hit {
			return n, nil
		}
		if missing {
			return nil, note.ErrNotFound
		}

		n, err = c.next.Get(ctx, ownerID, noteID)
		if err != nil {
			if errors.Is(err, note.ErrNotFound) {
				c.writeNullCache(ctx, key)
			}
			return nil, err
		}
		c.writeCache(ctx, n, false)
		return n, nil
	})
	if err != nil {
		return note.Note{}, err
	}
	if n, ok := v.(note.Note); ok {
		return n, nil
	}
	return note.Note{}, errors.New("note cache: internal type error")
}

func (c *CachedNoteStore) List(ctx context.Context, ownerID uint64, page, pageSize int) ([]note.Note, bool, error) {
	return c.next.List(ctx, ownerID, page, pageSize)
}

func (c *CachedNoteStore) Create(ctx context.Context, ownerID uint64, title, content string) (note.Note, error) {
	n, err := c.next.Create(ctx, ownerID, title, content)
	if err != nil {
		return note.Note{}, err
	}
	c.writeCache(ctx, n, true)
	return n, nil
}

func (c *CachedNoteStore) Update(ctx context.Context, ownerID uint64, noteID, title, content string) (note.Note, error) {
	n, err := c.next.Update(ctx, ownerID, noteID, title, content)
	if err != nil {
		if errors.Is(err, note.ErrNotFound) {
			c.markDeleted(ctx, ownerID, noteID)
		}
		return note.Note{}, err
	}
	c.writeCache(ctx, n, false)
	return n, nil
}

func (c *CachedNoteStore) Delete(ctx context.Context, ownerID uint64, noteID string) error {
	err := c.next.Delete(ctx, ownerID, noteID)
	if err == nil || errors.Is(err, note.ErrNotFound) {
		c.markDeleted(ctx, ownerID, noteID)
	}
	return err
}
