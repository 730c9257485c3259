// Package resolver maps a public identity and endpoint path to the
// endpoint record, caching both lookups with independent TTLs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hookinbox/internal/db"
	"hookinbox/internal/metrics"
)

var (
	// ErrNotFound covers both an unknown identity and an unknown path.
	ErrNotFound = errors.New("resolver: not found")
	// ErrStoreUnavailable wraps store failures during a miss.
	ErrStoreUnavailable = errors.New("resolver: store unavailable")
)

// Store is the durable fallback consulted on cache misses.
type Store interface {
	UserIDByUsername(ctx context.Context, username string) (uint, error)
	EndpointByPath(ctx context.Context, userID uint, path string) (*db.Endpoint, error)
}

// Config sets cache lifetimes and the per-lookup store deadline.
type Config struct {
	IdentityTTL   time.Duration
	EndpointTTL   time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
}

// Resolution is a resolved inbox address.
type Resolution struct {
	OwnerID  uint
	Identity string
	Endpoint db.Endpoint
}

type endpointKey struct {
	ownerID uint
	path    string
}

// Resolver is safe for concurrent use. Call Close to stop the sweeper.
type Resolver struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	identities *ttlCache[string, uint]
	endpoints  *ttlCache[endpointKey, db.Endpoint]
	group      singleflight.Group

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a resolver with its background sweeper.
func New(store Store, cfg Config, logger *zap.Logger) *Resolver {
	return newResolver(store, cfg, logger, time.Now)
}

func newResolver(store Store, cfg Config, logger *zap.Logger, now func() time.Time) *Resolver {
	if cfg.IdentityTTL <= 0 {
		cfg.IdentityTTL = 5 * time.Minute
	}
	if cfg.EndpointTTL <= 0 {
		cfg.EndpointTTL = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	r := &Resolver{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		identities: newTTLCache[string, uint](cfg.IdentityTTL, now),
		endpoints:  newTTLCache[endpointKey, db.Endpoint](cfg.EndpointTTL, now),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

var pathPattern = regexp.MustCompile(`^[A-Za-z0-9._~/-]+$`)

// NormalizePath trims surrounding slashes and rejects paths that can
// never name an endpoint.
func NormalizePath(path string) (string, bool) {
	path = strings.Trim(path, "/")
	if path == "" || len(path) > 128 || !pathPattern.MatchString(path) || strings.Contains(path, "//") {
		return "", false
	}
	return path, true
}

// Resolve returns the endpoint at identity/path. Misses go to the store
// one lookup after the other; not-found results are never cached.
func (r *Resolver) Resolve(ctx context.Context, identity, path string) (*Resolution, error) {
	path, ok := NormalizePath(path)
	if identity == "" || !ok {
		return nil, ErrNotFound
	}

	ownerID, err := r.ownerID(ctx, identity)
	if err != nil {
		return nil, err
	}
	ep, err := r.endpoint(ctx, ownerID, path)
	if err != nil {
		return nil, err
	}
	return &Resolution{OwnerID: ownerID, Identity: identity, Endpoint: ep}, nil
}

func (r *Resolver) ownerID(ctx context.Context, identity string) (uint, error) {
	if id, ok := r.identities.get(identity); ok {
		metrics.ResolverLookups.WithLabelValues("identity", "hit").Inc()
		return id, nil
	}
	metrics.ResolverLookups.WithLabelValues("identity", "miss").Inc()

	v, err, _ := r.group.Do("id:"+identity, func() (any, error) {
		sctx, cancel := r.storeContext(ctx)
		defer cancel()
		id, err := r.store.UserIDByUsername(sctx, identity)
		if err != nil {
			return uint(0), err
		}
		r.identities.set(identity, id)
		return id, nil
	})
	if err != nil {
		return 0, r.lookupError("identity", err)
	}
	return v.(uint), nil
}

func (r *Resolver) endpoint(ctx context.Context, ownerID uint, path string) (db.Endpoint, error) {
	key := endpointKey{ownerID: ownerID, path: path}
	if ep, ok := r.endpoints.get(key); ok {
		metrics.ResolverLookups.WithLabelValues("endpoint", "hit").Inc()
		return ep, nil
	}
	metrics.ResolverLookups.WithLabelValues("endpoint", "miss").Inc()

	v, err, _ := r.group.Do("ep:"+strconv.FormatUint(uint64(ownerID), 10)+"/"+path, func() (any, error) {
		sctx, cancel := r.storeContext(ctx)
		defer cancel()
		ep, err := r.store.EndpointByPath(sctx, ownerID, path)
		if err != nil {
			return db.Endpoint{}, err
		}
		r.endpoints.set(key, *ep)
		return *ep, nil
	})
	if err != nil {
		return db.Endpoint{}, r.lookupError("endpoint", err)
	}
	return v.(db.Endpoint), nil
}

// storeContext detaches from the caller's cancellation so one caller
// leaving does not fail the shared singleflight lookup, but still bounds
// it by StoreTimeout.
func (r *Resolver) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
}

func (r *Resolver) lookupError(cache string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		metrics.ResolverLookups.WithLabelValues(cache, "not_found").Inc()
		return ErrNotFound
	}
	metrics.ResolverLookups.WithLabelValues(cache, "store_error").Inc()
	return fmt.Errorf("%w: %s lookup: %w", ErrStoreUnavailable, cache, err)
}

// InvalidateIdentity drops the cached owner id and every endpoint cached
// under it.
func (r *Resolver) InvalidateIdentity(identity string) {
	id, ok := r.identities.get(identity)
	r.identities.delete(identity)
	if ok {
		r.endpoints.deleteFunc(func(k endpointKey) bool { return k.ownerID == id })
	}
}

// InvalidateEndpoint drops one cached endpoint.
func (r *Resolver) InvalidateEndpoint(ownerID uint, path string) {
	if p, ok := NormalizePath(path); ok {
		r.endpoints.delete(endpointKey{ownerID: ownerID, path: p})
	}
}

// OwnerIDFor returns the cached owner id of identity, falling back to the store.
func (r *Resolver) OwnerIDFor(ctx context.Context, identity string) (uint, error) {
	return r.ownerID(ctx, identity)
}

func (r *Resolver) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ids := r.identities.sweep()
			eps := r.endpoints.sweep()
			if ids+eps > 0 {
				r.logger.Debug("resolver cache swept",
					zap.Int("identities", ids),
					zap.Int("endpoints", eps),
				)
			}
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}
