package apikey

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"hookinbox/internal/db"
	"hookinbox/internal/metrics"
)

// Reason explains a failed validation. It is stable and safe to expose.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonMalformed  Reason = "malformed"
	ReasonNotFound   Reason = "not_found"
	ReasonInactive   Reason = "inactive"
	ReasonExpired    Reason = "expired"
	ReasonStoreError Reason = "store_error"
)

// Store is the key lookup the validator needs.
type Store interface {
	APIKeyByHash(ctx context.Context, hash string) (*db.APIKey, error)
	TouchAPIKey(ctx context.Context, id uint, at time.Time) error
}

// Result of one validation.
type Result struct {
	Valid      bool
	OwnerID    uint
	EndpointID *uint
	KeyID      uint
	Reason     Reason
}

// Validator checks presented keys against stored digests.
type Validator struct {
	store        Store
	pepper       string
	storeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	touches sync.WaitGroup
}

// NewValidator creates a validator. storeTimeout bounds the lookup and
// the asynchronous last-used update.
func NewValidator(store Store, pepper string, storeTimeout time.Duration, logger *zap.Logger) *Validator {
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	return &Validator{
		store:        store,
		pepper:       pepper,
		storeTimeout: storeTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Validate checks raw. Malformed keys are rejected without touching the
// store. Expiry is judged after the lookup so each failure has its own
// reason. Validate does not record use; callers Touch the key once it
// has been granted access.
func (v *Validator) Validate(ctx context.Context, raw string) Result {
	res := v.validate(ctx, raw)
	label := string(res.Reason)
	if res.Valid {
		label = "ok"
	}
	metrics.APIKeyValidations.WithLabelValues(label).Inc()
	return res
}

func (v *Validator) validate(ctx context.Context, raw string) Result {
	if !WellFormed(raw) {
		return Result{Reason: ReasonMalformed}
	}

	lctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()
	key, err := v.store.APIKeyByHash(lctx, Hash(raw, v.pepper))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Result{Reason: ReasonNotFound}
		}
		v.logger.Error("api key lookup failed", zap.Error(err))
		return Result{Reason: ReasonStoreError}
	}

	res := Result{OwnerID: key.UserID, EndpointID: key.EndpointID, KeyID: key.ID}
	now := v.now()
	switch {
	case !key.IsActive:
		res.Reason = ReasonInactive
	case key.ExpiresAt != nil && key.ExpiresAt.Before(now):
		res.Reason = ReasonExpired
	default:
		res.Valid = true
	}
	return res
}

// Touch records last use of a key in the background; failures are only
// logged.
func (v *Validator) Touch(id uint) {
	at := v.now()
	v.touches.Add(1)
	go func() {
		defer v.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), v.storeTimeout)
		defer cancel()
		if err := v.store.TouchAPIKey(ctx, id, at); err != nil {
			v.logger.Warn("failed to update api key last use",
				zap.Uint("key_id", id),
				zap.Error(err),
			)
		}
	}()
}

// Close waits for pending last-used updates.
func (v *Validator) Close() {
	v.touches.Wait()
}
