// Package ingest runs the inbox request pipeline: resolve, authenticate,
// rate-check, validate, classify, persist and relay.
package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"hookinbox/internal/abuse"
	"hookinbox/internal/apikey"
	"hookinbox/internal/classify"
	"hookinbox/internal/db"
	"hookinbox/internal/metrics"
	"hookinbox/internal/payload"
	"hookinbox/internal/ratelimit"
	"hookinbox/internal/resolver"
	"hookinbox/internal/webhook"
)

type Resolver interface {
	Resolve(ctx context.Context, identity, path string) (*resolver.Resolution, error)
}

type KeyValidator interface {
	Validate(ctx context.Context, raw string) apikey.Result
	Touch(keyID uint)
}

type Limiter interface {
	Check(ctx context.Context, key string, limits ratelimit.Limits) ratelimit.Decision
}

type RecordStore interface {
	CreateRecord(ctx context.Context, rec *db.Record) error
}

type UsageStore interface {
	IncrementUsage(ctx context.Context, userID, endpointID uint, day string, n int64) error
}

type Dispatcher interface {
	Enqueue(job webhook.Job) bool
}

// Deps are the collaborators of a Pipeline. Classifier defaults to the
// rule classifier; a nil Dispatcher disables relaying.
type Deps struct {
	Resolver   Resolver
	Keys       KeyValidator
	Limiter    Limiter
	Classifier classify.Classifier
	Records    RecordStore
	Usage      UsageStore
	Dispatcher Dispatcher
}

// Config holds the defaults that endpoints may override.
type Config struct {
	DefaultHourly   int
	DefaultDaily    int
	MaxPayloadBytes int
	PayloadLimits   payload.Limits
	StoreTimeout    time.Duration
	RetentionDays   int

	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookBaseDelay  time.Duration
	WebhookMaxDelay   time.Duration
}

// Request is one inbound call, already read off the wire. Header names
// are lower case.
type Request struct {
	Identity    string
	Path        string
	Method      string
	ContentType string
	Body        []byte
	Headers     map[string]string
	APIKey      string
	SourceIP    string
}

// Outcome describes an accepted request.
type Outcome struct {
	State          State
	RecordID       string
	CreatedAt      time.Time
	Elapsed        time.Duration
	Classification classify.Result
	AbuseScore     int
	OwnerID        uint
	Identity       string
	Endpoint       db.Endpoint
	APIKeyID       *uint
	RateLimit      ratelimit.Decision

	job *webhook.Job
}

// HasRelay reports whether Relay will enqueue a webhook delivery.
func (o *Outcome) HasRelay() bool { return o.job != nil }

type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Pipeline {
	if deps.Classifier == nil {
		deps.Classifier = classify.NewRuleClassifier()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// caller is who the request was authenticated as, if anyone.
type caller struct {
	authenticated bool
	keyID         uint
}

// Process runs every step up to Persisted. Each rejection returns an
// *Error and happens before anything is written.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Outcome, error) {
	start := p.now()
	out, err := p.process(ctx, req, start)

	owner, endpoint, code := "", "", "ok"
	if out != nil {
		owner = strconv.FormatUint(uint64(out.OwnerID), 10)
		endpoint = out.Endpoint.URLPath
	}
	var ierr *Error
	if errors.As(err, &ierr) {
		code = string(ierr.Code)
	}
	metrics.Requests.WithLabelValues(owner, endpoint, code).Inc()
	if err != nil {
		return nil, err
	}
	out.Elapsed = p.now().Sub(start)
	metrics.RequestDuration.WithLabelValues(owner, endpoint).Observe(out.Elapsed.Seconds())
	return out, nil
}

// process returns a partially filled Outcome alongside rejections so
// metrics can be labelled once the owner is known.
func (p *Pipeline) process(ctx context.Context, req Request, start time.Time) (*Outcome, error) {
	out := &Outcome{State: Received, Identity: req.Identity}

	// Resolve.
	res, err := p.deps.Resolver.Resolve(ctx, req.Identity, req.Path)
	if err != nil {
		if errors.Is(err, resolver.ErrStoreUnavailable) {
			p.logger.Error("endpoint resolution failed",
				zap.String("identity", req.Identity),
				zap.String("path", req.Path),
				zap.Error(err),
			)
		}
		return nil, reject(Received, CodeNotFound, err)
	}
	if !res.Endpoint.IsActive {
		return nil, reject(Received, CodeNotFound, errors.New("endpoint inactive"))
	}
	out.OwnerID, out.Endpoint, out.State = res.OwnerID, res.Endpoint, Resolved
	ep := &out.Endpoint

	// Authenticate.
	who, ierr := p.authenticate(ctx, req.APIKey, ep)
	if ierr != nil {
		return out, ierr
	}
	if who.authenticated {
		id := who.keyID
		out.APIKeyID = &id
	}
	out.State = Authenticated

	// Rate check.
	limitKey := ratelimit.OwnerKey(out.OwnerID)
	if !who.authenticated {
		limitKey = ratelimit.AnonymousKey(out.OwnerID, req.SourceIP)
	}
	decision := p.deps.Limiter.Check(ctx, limitKey, p.limits(ep))
	out.RateLimit = decision
	if !decision.Allowed {
		e := reject(Authenticated, CodeRateLimited, nil)
		e.RetryAfter = decision.RetryAfterSeconds
		return out, e
	}
	out.State = RateChecked

	// Validate.
	maxBytes := p.cfg.MaxPayloadBytes
	if ep.MaxPayloadBytes > 0 {
		maxBytes = ep.MaxPayloadBytes
	}
	if len(req.Body) > maxBytes {
		return out, reject(RateChecked, CodePayloadTooLarge, nil)
	}
	value, err := decodeBody(req.Body, req.ContentType, p.cfg.PayloadLimits)
	if err != nil {
		return out, reject(RateChecked, CodeMalformedPayload, err)
	}
	lim := p.cfg.PayloadLimits
	if text, ok := value.(payload.String); ok {
		// A plain text body is bounded by maxBytes alone.
		lim.MaxStringBytes = max(lim.MaxStringBytes, len(text))
	}
	value = payload.Sanitize(value, lim)
	out.State = Validated

	// Classify and score. Neither can reject.
	out.Classification = p.classify(ctx, value, req)
	out.AbuseScore = abuse.Score(abuse.Input{
		Payload:        req.Body,
		SourceIP:       req.SourceIP,
		UserAgent:      req.Headers["user-agent"],
		RecentRequests: decision.HourCount,
	})
	metrics.AbuseScores.Observe(float64(out.AbuseScore))
	out.State = Classified

	// Persist.
	headers := HeaderSubset(req.Headers)
	rec, err := p.record(out, req, value, headers, start)
	if err != nil {
		return out, reject(Classified, CodePersistenceFailed, err)
	}
	pctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	err = p.deps.Records.CreateRecord(pctx, rec)
	cancel()
	if err != nil {
		p.logger.Error("failed to persist inbox record",
			zap.String("identity", req.Identity),
			zap.Uint("endpoint_id", ep.ID),
			zap.String("record_id", rec.ID),
			zap.Int("size_bytes", len(req.Body)),
			zap.Error(err),
		)
		return out, reject(Classified, CodePersistenceFailed, err)
	}
	out.RecordID, out.CreatedAt, out.State = rec.ID, rec.CreatedAt, Persisted

	p.incrementUsage(ctx, out, len(req.Body))

	if ep.HasWebhook() && p.deps.Dispatcher != nil {
		out.job = p.webhookJob(out, req, value, headers)
	}
	return out, nil
}

func (p *Pipeline) authenticate(ctx context.Context, raw string, ep *db.Endpoint) (caller, *Error) {
	if raw == "" {
		if ep.RequireAPIKey {
			return caller{}, reject(Resolved, CodeMissingAPIKey, nil)
		}
		return caller{}, nil
	}

	res := p.deps.Keys.Validate(ctx, raw)
	if !ep.RequireAPIKey {
		// Public endpoint: a key only counts when it is valid for it.
		if res.Valid && keyGrants(res, ep) {
			p.deps.Keys.Touch(res.KeyID)
			return caller{authenticated: true, keyID: res.KeyID}, nil
		}
		return caller{}, nil
	}

	if !res.Valid {
		switch res.Reason {
		case apikey.ReasonExpired:
			return caller{}, reject(Resolved, CodeExpiredAPIKey, nil)
		case apikey.ReasonInactive:
			return caller{}, reject(Resolved, CodeInactiveAPIKey, nil)
		case apikey.ReasonStoreError:
			return caller{}, reject(Resolved, CodeUnavailable, errors.New("api key store unavailable"))
		}
		return caller{}, reject(Resolved, CodeInvalidAPIKey, nil)
	}
	if !keyGrants(res, ep) {
		return caller{}, reject(Resolved, CodeForbidden, nil)
	}
	p.deps.Keys.Touch(res.KeyID)
	return caller{authenticated: true, keyID: res.KeyID}, nil
}

// keyGrants reports whether a valid key belongs to the endpoint's owner
// and, when scoped, to the endpoint itself.
func keyGrants(res apikey.Result, ep *db.Endpoint) bool {
	if res.OwnerID != ep.UserID {
		return false
	}
	return res.EndpointID == nil || *res.EndpointID == ep.ID
}

func (p *Pipeline) limits(ep *db.Endpoint) ratelimit.Limits {
	l := ratelimit.Limits{PerHour: p.cfg.DefaultHourly, PerDay: p.cfg.DefaultDaily}
	if ep.RateLimitHourly > 0 {
		l.PerHour = ep.RateLimitHourly
	}
	if ep.RateLimitDaily > 0 {
		l.PerDay = ep.RateLimitDaily
	}
	return l
}

func (p *Pipeline) classify(ctx context.Context, value payload.Value, req Request) classify.Result {
	res, err := p.deps.Classifier.Classify(ctx, classify.Input{
		Payload:     value,
		ContentType: req.ContentType,
		Headers:     classifierHeaders(req.Headers),
	})
	if err != nil {
		p.logger.Warn("classification failed", zap.Error(err))
		return classify.Unknown()
	}
	if res.Tags == nil {
		res.Tags = []string{}
	}
	return res
}

func (p *Pipeline) record(out *Outcome, req Request, value payload.Value, headers map[string]string, start time.Time) (*db.Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	body, err := payload.Marshal(value)
	if err != nil {
		return nil, err
	}
	hdrs := make(datatypes.JSONMap, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}

	createdAt := start.UTC()
	var expiresAt *time.Time
	if p.cfg.RetentionDays > 0 {
		t := createdAt.Add(time.Duration(p.cfg.RetentionDays) * 24 * time.Hour)
		expiresAt = &t
	}

	return &db.Record{
		ID:          id.String(),
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		EndpointID:  out.Endpoint.ID,
		UserID:      out.OwnerID,
		APIKeyID:    out.APIKeyID,
		Method:      req.Method,
		ContentType: req.ContentType,
		SizeBytes:   len(req.Body),
		SourceIP:    req.SourceIP,
		Payload:     datatypes.JSON(body),
		Headers:     hdrs,
		ClassType:   out.Classification.Type,
		ClassSource: out.Classification.Source,
		Tags:        datatypes.JSONSlice[string](out.Classification.Tags),
		Confidence:  out.Classification.Confidence,
		AbuseScore:  out.AbuseScore,
		Status:      "received",
	}, nil
}

// incrementUsage is best effort: failures are logged and counted, never
// returned.
func (p *Pipeline) incrementUsage(ctx context.Context, out *Outcome, size int) {
	if p.deps.Usage == nil {
		return
	}
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
	defer cancel()
	day := out.CreatedAt.UTC().Format(time.DateOnly)
	if err := p.deps.Usage.IncrementUsage(uctx, out.OwnerID, out.Endpoint.ID, day, int64(size)); err != nil {
		metrics.UsageIncrementFailures.Inc()
		p.logger.Warn("failed to increment usage",
			zap.Uint("endpoint_id", out.Endpoint.ID),
			zap.String("record_id", out.RecordID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) webhookJob(out *Outcome, req Request, value payload.Value, headers map[string]string) *webhook.Job {
	ep := &out.Endpoint
	timeout := p.cfg.WebhookTimeout
	if ep.WebhookTimeoutMs > 0 {
		timeout = time.Duration(ep.WebhookTimeoutMs) * time.Millisecond
	}
	attempts := p.cfg.WebhookMaxRetries
	if ep.WebhookMaxRetries > 0 {
		attempts = ep.WebhookMaxRetries
	}

	return &webhook.Job{
		EndpointID: ep.ID,
		RecordID:   out.RecordID,
		Target: webhook.Target{
			URL:     ep.WebhookURL,
			Secret:  ep.WebhookSecret,
			Timeout: timeout,
			Policy: webhook.RetryPolicy{
				MaxAttempts: attempts,
				BaseDelay:   p.cfg.WebhookBaseDelay,
				Multiplier:  2,
				MaxDelay:    p.cfg.WebhookMaxDelay,
				Strategy:    webhook.ParseStrategy(ep.WebhookBackoff),
			},
		},
		Envelope: webhook.Envelope{
			Event:    webhook.EventInboxRequest,
			Endpoint: webhook.EndpointRef{ID: ep.ID, Identity: out.Identity, Path: ep.URLPath},
			Request: webhook.RequestInfo{
				Method:    req.Method,
				Headers:   headers,
				Data:      value,
				Timestamp: out.CreatedAt,
				SourceIP:  req.SourceIP,
			},
			Meta: webhook.Meta{
				RecordID:       out.RecordID,
				APIKeyID:       out.APIKeyID,
				Classification: out.Classification,
			},
		},
	}
}

// Relay hands the webhook delivery to the dispatcher. Call it only after
// the response has been written; it never blocks.
func (p *Pipeline) Relay(out *Outcome) {
	if out == nil {
		return
	}
	out.State = Responded
	if out.job == nil {
		return
	}
	if !p.deps.Dispatcher.Enqueue(*out.job) {
		p.logger.Warn("webhook relay not queued",
			zap.Uint("endpoint_id", out.Endpoint.ID),
			zap.String("record_id", out.RecordID),
		)
	}
}
