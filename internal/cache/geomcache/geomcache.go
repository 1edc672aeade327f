// Package geomcache is a read-through cache in front of a geometry store.
// Lookups go local LRU, then the remote tier, then the store. Misses are
// cached too, with a shorter TTL, so absent ids do not hammer the store.
package geomcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/spatial-attributes/internal/cache"
	"github.com/mohammed-shakir/spatial-attributes/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
)

type Source interface {
	FetchGeometry(ctx context.Context, spatialID string) (*model.GeometryRecord, error)
}

type Config struct {
	Namespace   string
	LocalSize   int
	TTL         time.Duration
	NegativeTTL time.Duration
	// OpTimeout bounds each remote call; a slow remote counts as a miss.
	OpTimeout time.Duration
}

// envelope is the remote encoding. Found=false marks a cached absence.
type envelope struct {
	Found bool                  `json:"found"`
	Rec   *model.GeometryRecord `json:"rec,omitempty"`
}

type localEntry struct {
	rec     *model.GeometryRecord
	expires time.Time
}

// genStripes bounds the generation table; ids sharing a stripe only cost
// each other a skipped cache fill.
const genStripes = 256

type Cache struct {
	src    Source
	remote cache.Remote
	local  *expirable.LRU[string, localEntry]
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// genMu orders local fills against invalidations. A fetch that started
	// before an Invalidate finished sees a different generation and does not
	// write back what it read.
	genMu sync.Mutex
	gens  [genStripes]uint64
}

// New wraps src. remote may be nil to run with the local tier only.
func New(src Source, remote cache.Remote, cfg Config, logger *slog.Logger) (*Cache, error) {
	if src == nil {
		return nil, errors.New("geomcache: nil source")
	}
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.NegativeTTL <= 0 || cfg.NegativeTTL > cfg.TTL {
		cfg.NegativeTTL = min(30*time.Second, cfg.TTL)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 150 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		src:    src,
		remote: remote,
		local:  expirable.NewLRU[string, localEntry](cfg.LocalSize, nil, cfg.TTL),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (c *Cache) FetchGeometry(ctx context.Context, spatialID string) (*model.GeometryRecord, error) {
	if e, ok := c.local.Get(spatialID); ok && c.now().Before(e.expires) {
		observability.IncGeometryCache("local", "hit")
		return clone(e.rec), nil
	}
	observability.IncGeometryCache("local", "miss")

	gen := c.generation(spatialID)
	key := keys.GeometryKey(c.cfg.Namespace, spatialID)
	if env, ok := c.remoteGet(ctx, key); ok {
		c.storeLocal(spatialID, gen, env.Rec, env.Found)
		if !env.Found {
			return nil, nil
		}
		return clone(env.Rec), nil
	}

	rec, err := c.src.FetchGeometry(ctx, spatialID)
	if err != nil {
		return nil, err
	}
	found := rec != nil
	if !c.storeLocal(spatialID, gen, rec, found) {
		observability.IncGeometryCache("local", "stale_skip")
		return clone(rec), nil
	}
	c.remoteSet(ctx, key, envelope{Found: found, Rec: rec})
	if c.generation(spatialID) != gen {
		// invalidated while the set was in flight
		c.remoteDel(ctx, key)
	}
	return clone(rec), nil
}

// Invalidate evicts ids from both tiers. Local eviction always happens; the
// returned error only reports remote failures.
func (c *Cache) Invalidate(ctx context.Context, spatialIDs ...string) error {
	if len(spatialIDs) == 0 {
		return nil
	}
	ks := make([]string, len(spatialIDs))
	for i, id := range spatialIDs {
		ks[i] = keys.GeometryKey(c.cfg.Namespace, id)
	}
	// Bumped on both sides of the remote delete: fetches that began earlier
	// cannot refill either tier, and anything a fetch copied from the remote
	// before the delete is evicted locally by the second pass.
	c.evictLocal(spatialIDs)
	defer c.evictLocal(spatialIDs)
	if c.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.remote.Del(ctx, ks...); err != nil {
		return fmt.Errorf("geomcache invalidate %d ids: %w", len(ks), err)
	}
	return nil
}

func (c *Cache) Len() int { return c.local.Len() }

func stripe(id string) uint64 { return xxhash.Sum64String(id) % genStripes }

func (c *Cache) generation(id string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gens[stripe(id)]
}

func (c *Cache) evictLocal(ids []string) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	for _, id := range ids {
		c.gens[stripe(id)]++
		c.local.Remove(id)
	}
}

// storeLocal fills the local tier unless id was invalidated after gen was
// read. It reports whether the fill happened.
func (c *Cache) storeLocal(id string, gen uint64, rec *model.GeometryRecord, found bool) bool {
	ttl := c.cfg.TTL
	if !found {
		ttl = c.cfg.NegativeTTL
		rec = nil
	}
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gens[stripe(id)] != gen {
		return false
	}
	c.local.Add(id, localEntry{rec: clone(rec), expires: c.now().Add(ttl)})
	return true
}

func (c *Cache) remoteGet(ctx context.Context, key string) (envelope, bool) {
	if c.remote == nil {
		return envelope{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	b, ok, err := c.remote.Get(ctx, key)
	switch {
	case err != nil:
		observability.IncGeometryCache("remote", "error")
		c.logger.WarnContext(ctx, "geometry cache get failed; reading store", "key", key, "err", err)
		return envelope{}, false
	case !ok:
		observability.IncGeometryCache("remote", "miss")
		return envelope{}, false
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil || (env.Found && env.Rec == nil) {
		observability.IncGeometryCache("remote", "corrupt")
		c.logger.WarnContext(ctx, "geometry cache entry unreadable; ignoring", "key", key)
		return envelope{}, false
	}
	observability.IncGeometryCache("remote", "hit")
	return env, true
}

func (c *Cache) remoteSet(ctx context.Context, key string, env envelope) {
	if c.remote == nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		c.logger.WarnContext(ctx, "geometry cache encode failed", "key", key, "err", err)
		return
	}
	ttl := c.cfg.TTL
	if !env.Found {
		ttl = c.cfg.NegativeTTL
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.remote.Set(ctx, key, b, ttl); err != nil {
		observability.IncGeometryCache("remote", "set_error")
		c.logger.WarnContext(ctx, "geometry cache set failed", "key", key, "err", err)
	}
}

func (c *Cache) remoteDel(ctx context.Context, key string) {
	if c.remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	if err := c.remote.Del(ctx, key); err != nil {
		observability.IncGeometryCache("remote", "del_error")
		c.logger.WarnContext(ctx, "geometry cache stale delete failed", "key", key, "err", err)
	}
}

// clone keeps callers from mutating cached payloads.
func clone(rec *model.GeometryRecord) *model.GeometryRecord {
	if rec == nil {
		return nil
	}
	out := &model.GeometryRecord{
		Geometry:   append(json.RawMessage(nil), rec.Geometry...),
		Attributes: append(json.RawMessage(nil), rec.Attributes...),
	}
	if rec.Geometry == nil {
		out.Geometry = nil
	}
	if rec.Attributes == nil {
		out.Attributes = nil
	}
	if rec.Altitude != nil {
		v := *rec.Altitude
		out.Altitude = &v
	}
	return out
}
