package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"hookinbox/internal/metrics"
)

const (
	userAgent       = "hookinbox-webhook/1.0"
	maxResponseBody = 64 << 10
)

// Sleeper waits between attempts. It returns early with ctx.Err() when
// ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer.
var TimerSleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Target is where and how one delivery is sent.
type Target struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Policy  RetryPolicy
}

// Result is the outcome of the last attempt of a delivery.
type Result struct {
	Success    bool
	StatusCode int
	Error      string
	Duration   time.Duration
	Attempts   int
}

// Deliverer POSTs envelopes with retries. Attempts for one delivery run
// one after another.
type Deliverer struct {
	client  *http.Client
	sleeper Sleeper
	logger  *zap.Logger
	now     func() time.Time
}

// NewDeliverer uses http.DefaultClient and TimerSleeper when given nil.
func NewDeliverer(client *http.Client, sleeper Sleeper, logger *zap.Logger) *Deliverer {
	if client == nil {
		client = http.DefaultClient
	}
	if sleeper == nil {
		sleeper = TimerSleeper
	}
	return &Deliverer{client: client, sleeper: sleeper, logger: logger, now: time.Now}
}

// Deliver sends env to t. Non-2xx responses and transport errors are
// retried until t.Policy is exhausted or ctx is done.
func (d *Deliverer) Deliver(ctx context.Context, t Target, env Envelope) Result {
	start := d.now()
	body, err := json.Marshal(env)
	if err != nil {
		return Result{Error: fmt.Sprintf("encode envelope: %v", err), Duration: d.now().Sub(start)}
	}
	signature := Sign(t.Secret, body)
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var res Result
	attempts := t.Policy.Attempts()
	for n := 1; n <= attempts; n++ {
		res.Attempts = n
		res.StatusCode, err = d.attempt(ctx, t.URL, body, signature, env, n, timeout)
		metrics.WebhookAttempts.Inc()
		switch {
		case err != nil:
			res.Error = err.Error()
		case res.StatusCode < 200 || res.StatusCode > 299:
			res.Error = fmt.Sprintf("unexpected status %d", res.StatusCode)
		default:
			res.Success = true
			res.Error = ""
			res.Duration = d.now().Sub(start)
			return res
		}

		d.logger.Debug("webhook attempt failed",
			zap.String("record_id", env.Meta.RecordID),
			zap.Int("attempt", n),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Error),
		)
		if n == attempts {
			break
		}
		if err := d.sleeper.Sleep(ctx, t.Policy.Delay(n)); err != nil {
			res.Error = fmt.Sprintf("%s; retries abandoned: %v", res.Error, err)
			break
		}
	}
	res.Duration = d.now().Sub(start)
	return res
}

func (d *Deliverer) attempt(ctx context.Context, url string, body []byte, signature string, env Envelope, n int, timeout time.Duration) (int, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Event", env.Event)
	req.Header.Set("X-Endpoint-Id", strconv.FormatUint(uint64(env.Endpoint.ID), 10))
	req.Header.Set("X-Attempt", strconv.Itoa(n))
	req.Header.Set("X-Timestamp", strconv.FormatInt(d.now().Unix(), 10))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, nil
}
