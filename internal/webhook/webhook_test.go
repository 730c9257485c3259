package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"hookinbox/internal/classify"
	"hookinbox/internal/db"
	"hookinbox/internal/payload"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type memDeliveryStore struct {
	mu   sync.Mutex
	rows []db.WebhookDelivery
}

func (s *memDeliveryStore) CreateDelivery(_ context.Context, d *db.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *d)
	return nil
}

func (s *memDeliveryStore) snapshot() []db.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.WebhookDelivery(nil), s.rows...)
}

type failingReceiver struct {
	failures int32
	calls    atomic.Int32
	secret   string
	badSig   atomic.Int32
	attempts sync.Map
}

func (r *failingReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := r.calls.Add(1)
	body, _ := io.ReadAll(req.Body)
	if r.secret != "" && !Verify(r.secret, body, req.Header.Get("X-Signature")) {
		r.badSig.Add(1)
	}
	r.attempts.Store(n, req.Header.Get("X-Attempt"))
	if n <= r.failures {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func testEnvelope() Envelope {
	return Envelope{
		Event:    EventInboxRequest,
		Endpoint: EndpointRef{ID: 3, Identity: "alice", Path: "sensors"},
		Request: RequestInfo{
			Method:    "POST",
			Headers:   map[string]string{"content-type": "application/json"},
			Data:      payload.Object{{Key: "t", Value: payload.Number("21.5")}},
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SourceIP:  "203.0.113.7",
		},
		Meta: Meta{RecordID: "rec-1", Classification: classify.Result{Type: "sensor", Source: "unknown", Tags: []string{}}},
	}
}

func TestDeliver_SucceedsAfterFailures(t *testing.T) {
	const maxAttempts = 5
	for k := 0; k < maxAttempts; k++ {
		recv := &failingReceiver{failures: int32(k), secret: "s3cret"}
		srv := httptest.NewServer(recv)
		sleeper := &recordingSleeper{}
		d := NewDeliverer(srv.Client(), sleeper, zap.NewNop())

		res := d.Deliver(context.Background(), Target{
			URL:     srv.URL,
			Secret:  "s3cret",
			Timeout: time.Second,
			Policy:  RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		}, testEnvelope())
		srv.Close()

		if !res.Success || res.StatusCode != http.StatusOK {
			t.Fatalf("k=%d: result %+v", k, res)
		}
		if res.Attempts != k+1 || recv.calls.Load() != int32(k+1) {
			t.Fatalf("k=%d: attempts = %d, receiver calls = %d", k, res.Attempts, recv.calls.Load())
		}
		if len(sleeper.delays) != k {
			t.Fatalf("k=%d: slept %d times", k, len(sleeper.delays))
		}
		if recv.badSig.Load() != 0 {
			t.Fatalf("k=%d: receiver saw %d bad signatures", k, recv.badSig.Load())
		}
	}
}

func TestDeliver_AlwaysFailing(t *testing.T) {
	recv := &failingReceiver{failures: 1 << 30}
	srv := httptest.NewServer(recv)
	defer srv.Close()
	sleeper := &recordingSleeper{}
	d := NewDeliverer(srv.Client(), sleeper, zap.NewNop())

	res := d.Deliver(context.Background(), Target{
		URL:    srv.URL,
		Policy: RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second},
	}, testEnvelope())

	if res.Success || res.Attempts != 4 || recv.calls.Load() != 4 {
		t.Fatalf("result %+v, calls %d", res, recv.calls.Load())
	}
	if res.StatusCode != http.StatusInternalServerError || res.Error == "" {
		t.Fatalf("final outcome not reported: %+v", res)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i, d := range want {
		if sleeper.delays[i] != d {
			t.Fatalf("delays = %v, want %v", sleeper.delays, want)
		}
	}
	for i := int32(1); i <= 4; i++ {
		if v, _ := recv.attempts.Load(i); v != strconv.Itoa(int(i)) {
			t.Fatalf("call %d carried X-Attempt %v", i, v)
		}
	}
}

func TestDeliver_TransportErrorAndTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	d := NewDeliverer(srv.Client(), &recordingSleeper{}, zap.NewNop())
	res := d.Deliver(context.Background(), Target{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
		Policy:  RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, testEnvelope())
	if res.Success || res.Attempts != 2 || res.StatusCode != 0 || res.Error == "" {
		t.Fatalf("got %+v", res)
	}
}

func TestDeliver_Headers(t *testing.T) {
	var (
		mu   sync.Mutex
		got  http.Header
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r.Header.Clone(), b
		mu.Unlock()
	}))
	defer srv.Close()

	d := NewDeliverer(srv.Client(), nil, zap.NewNop())
	res := d.Deliver(context.Background(), Target{URL: srv.URL, Secret: "k", Policy: DefaultRetryPolicy()}, testEnvelope())
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	for h, want := range map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    userAgent,
		"X-Event":       EventInboxRequest,
		"X-Endpoint-Id": "3",
		"X-Attempt":     "1",
	} {
		if got.Get(h) != want {
			t.Errorf("%s = %q, want %q", h, got.Get(h), want)
		}
	}
	if got.Get("X-Timestamp") == "" {
		t.Error("missing X-Timestamp")
	}
	if !Verify("k", body, got.Get("X-Signature")) {
		t.Error("signature does not verify")
	}

	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	data := env["request"].(map[string]any)["data"].(map[string]any)
	if data["t"] != 21.5 {
		t.Fatalf("data = %v", data)
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("secret", body)
	if len(sig) != len("sha256=")+64 {
		t.Fatalf("signature %q", sig)
	}
	if !Verify("secret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify("secret", []byte(`{"a":2}`), sig) || Verify("other", body, sig) || Verify("secret", body, sig[7:]) {
		t.Fatal("invalid signature accepted")
	}
	if Sign("", body) != "" {
		t.Fatal("empty secret must not sign")
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	cases := []struct {
		policy RetryPolicy
		want   []time.Duration
	}{
		{RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second, Strategy: Exponential}, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}},
		{RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Strategy: Linear}, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}},
		{RetryPolicy{BaseDelay: 2 * time.Second, Strategy: Fixed}, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}},
	}
	for _, tc := range cases {
		for i, want := range tc.want {
			if got := tc.policy.Delay(i + 1); got != want {
				t.Errorf("%s delay(%d) = %v, want %v", tc.policy.Strategy, i+1, got, want)
			}
		}
	}
	if ParseStrategy("LINEAR") != Linear || ParseStrategy("bogus") != Exponential {
		t.Error("ParseStrategy")
	}
}

func TestDispatcher_LogsOneRowPerDelivery(t *testing.T) {
	recv := &failingReceiver{failures: 3}
	srv := httptest.NewServer(recv)
	defer srv.Close()

	store := &memDeliveryStore{}
	d := NewDispatcher(Config{Workers: 2, QueueSize: 8},
		NewDeliverer(srv.Client(), &recordingSleeper{}, zap.NewNop()),
		store, nil, zap.NewNop())
	d.Start()

	target := Target{URL: srv.URL, Policy: RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond}}
	if !d.Enqueue(Job{EndpointID: 3, RecordID: "rec-1", Target: target, Envelope: testEnvelope()}) {
		t.Fatal("enqueue rejected")
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := store.snapshot()
	if len(rows) != 1 {
		t.Fatalf("delivery rows = %d, want 1", len(rows))
	}
	if r := rows[0]; !r.Success || r.AttemptNumber != 4 || r.StatusCode != http.StatusOK || r.RecordID != "rec-1" {
		t.Fatalf("row = %+v", r)
	}
	if d.Enqueue(Job{RecordID: "late"}) {
		t.Fatal("stopped dispatcher accepted a job")
	}
	if err := d.Stop(context.Background()); err != ErrStopped {
		t.Fatalf("second Stop = %v", err)
	}
}

type countingNotifier struct {
	mu   sync.Mutex
	jobs []string
}

func (n *countingNotifier) DeliveryFailed(_ context.Context, job Job, _ Result) {
	n.mu.Lock()
	n.jobs = append(n.jobs, job.RecordID)
	n.mu.Unlock()
}

func TestDispatcher_FailureNotifies(t *testing.T) {
	srv := httptest.NewServer(&failingReceiver{failures: 1 << 30})
	defer srv.Close()

	store := &memDeliveryStore{}
	notifier := &countingNotifier{}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 4},
		NewDeliverer(srv.Client(), &recordingSleeper{}, zap.NewNop()),
		store, notifier, zap.NewNop())
	d.Start()
	d.Enqueue(Job{EndpointID: 3, RecordID: "rec-2", Target: Target{URL: srv.URL, Policy: RetryPolicy{MaxAttempts: 3}}, Envelope: testEnvelope()})
	if err := d.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	rows := store.snapshot()
	if len(rows) != 1 || rows[0].Success || rows[0].AttemptNumber != 3 || rows[0].StatusCode != 500 {
		t.Fatalf("rows = %+v", rows)
	}
	if len(notifier.jobs) != 1 || notifier.jobs[0] != "rec-2" {
		t.Fatalf("notified %v", notifier.jobs)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1}, NewDeliverer(nil, nil, zap.NewNop()), &memDeliveryStore{}, nil, zap.NewNop())
	// Not started, so the single slot stays occupied.
	if !d.Enqueue(Job{RecordID: "a"}) {
		t.Fatal("first job dropped")
	}
	if d.Enqueue(Job{RecordID: "b"}) {
		t.Fatal("job accepted past capacity")
	}
}
