package incident

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

const keyPending = "incidents:pending"

func keyIncident(id uuid.UUID) string { return "incident:" + id.String() }

func keyOwner(id uuid.UUID) string { return "incidents:owner:" + id.String() }

// CachedReader serves detail and queue reads through the cache. Cache
// failures fall back to the repository; they never fail a read.
type CachedReader struct {
	repo   Repository
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedReader(repo Repository, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedReader {
	return &CachedReader{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

func (r *CachedReader) Get(ctx context.Context, id uuid.UUID) (*Incident, error) {
	var inc Incident
	if r.lookup(ctx, keyIncident(id), &inc) {
		return &inc, nil
	}
	found, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(ctx, keyIncident(id), found)
	return found, nil
}

func (r *CachedReader) Pending(ctx context.Context) ([]*Incident, error) {
	var items []*Incident
	if r.lookup(ctx, keyPending, &items) {
		return items, nil
	}
	items, err := r.repo.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	r.store(ctx, keyPending, items)
	return items, nil
}

func (r *CachedReader) OpenByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Incident, error) {
	var items []*Incident
	if r.lookup(ctx, keyOwner(ownerID), &items) {
		return items, nil
	}
	items, err := r.repo.ListOpenByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, keyOwner(ownerID), items)
	return items, nil
}

// Invalidate drops every key a change to inc can affect. prevOwner is the
// owner before the change, if any.
func (r *CachedReader) Invalidate(ctx context.Context, inc *Incident, prevOwner *uuid.UUID) {
	keys := []string{keyIncident(inc.ID), keyPending}
	if prevOwner != nil {
		keys = append(keys, keyOwner(*prevOwner))
	}
	if inc.OwnerID != nil && (prevOwner == nil || *prevOwner != *inc.OwnerID) {
		keys = append(keys, keyOwner(*inc.OwnerID))
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.Warn().Err(err).Str("incident_id", inc.ID.String()).Strs("keys", keys).Msg("cache invalidation failed")
	}
}

func (r *CachedReader) lookup(ctx context.Context, key string, dst interface{}) bool {
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		return false
	}
	return true
}

func (r *CachedReader) store(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}
