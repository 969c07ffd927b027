// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/smartahc/receiptflow/internal/checkpoint"
	"github.com/smartahc/receiptflow/internal/config"
	"github.com/smartahc/receiptflow/internal/models"
	"github.com/smartahc/receiptflow/internal/pipeline"
	"github.com/smartahc/receiptflow/internal/telemetry"
)

// recordingStore implements store.Client for pipeline wiring.
type recordingStore struct {
	orders int32
	dishes int32
}

func (s *recordingStore) InsertOrder(context.Context, *models.Order) (string, error) {
	atomic.AddInt32(&s.orders, 1)
	return "ord-1", nil
}

func (s *recordingStore) InsertDishes(_ context.Context, d []models.Dish) error {
	atomic.AddInt32(&s.dishes, int32(len(d)))
	return nil
}

func testStreamConfig(url string) config.StreamConfig {
	return config.StreamConfig{
		URL:           url,
		AuthToken:     "stream-token",
		BackoffBase:   5 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
		BackoffFactor: 1.5,
		MaxAttempts:   3,
	}
}

func newTestManager(t *testing.T, cfg config.StreamConfig, ckpt checkpoint.Store, st *recordingStore) *Manager {
	t.Helper()
	buf := telemetry.NewBuffer(telemetry.NopClient{}, "test", 1000, time.Hour)
	proc := pipeline.New(st, buf, "a1b2c3d4-e5f6-7890-abcd-ef1234567890")
	mgr, err := New(cfg, ckpt, proc, buf)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return mgr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, msg)
}

func eventLine(t *testing.T, evt models.ReceiptEvent) []byte {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return append(data, '\n')
}

func TestManagerStreamsAndCountsEvents(t *testing.T) {
	hold := make(chan struct{})
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"type\":\"connected\"}\n"))
		fl.Flush()
		_, _ = w.Write(eventLine(t, models.ReceiptEvent{
			ReceiptNo: "C001",
			PlainText: "桌号: 8\n客单\n野菜卷181份18\n合计: 18",
		}))
		_, _ = w.Write([]byte("not valid json\n"))
		fl.Flush()
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(hold)

	ckpt := checkpoint.NewMemoryStore()
	st := &recordingStore{}
	mgr := newTestManager(t, testStreamConfig(srv.URL), ckpt, st)

	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		s := mgr.Status()
		return s.TotalReceived >= 1 && s.ParseErrors >= 1
	}, "events processed")

	snap := mgr.Status()
	if !snap.Connected || snap.State != "streaming" {
		t.Errorf("snapshot = %+v, want streaming", snap)
	}
	if snap.OrdersProcessed != 1 {
		t.Errorf("OrdersProcessed = %d, want 1", snap.OrdersProcessed)
	}
	if got := gotAuth.Load(); got != "Bearer stream-token" {
		t.Errorf("Authorization = %v", got)
	}
	if atomic.LoadInt32(&st.orders) != 1 || atomic.LoadInt32(&st.dishes) != 1 {
		t.Errorf("persisted orders=%d dishes=%d, want 1/1", st.orders, st.dishes)
	}

	if _, err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if s := mgr.Status(); s.State != "stopped" || s.Connected {
		t.Errorf("state after Stop = %+v", s)
	}

	// The stop intent must be durable.
	state, err := ckpt.Load(context.Background())
	if err != nil {
		t.Fatalf("checkpoint load: %v", err)
	}
	if state.Active {
		t.Error("checkpoint Active = true after Stop")
	}
	if state.TotalEventsReceived != 1 || state.OrdersProcessed != 1 || state.ParseErrors != 1 {
		t.Errorf("checkpoint counters = %+v", state)
	}
}

func TestManagerStopsAtAttemptCeiling(t *testing.T) {
	var connects int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connects, 1)
		http.Error(w, "no stream here", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ckpt := checkpoint.NewMemoryStore()
	mgr := newTestManager(t, testStreamConfig(srv.URL), ckpt, &recordingStore{})

	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return mgr.Status().State == "stopped"
	}, "manager stopped after exhausting attempts")

	snap := mgr.Status()
	if snap.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", snap.ReconnectAttempts)
	}

	// No further attempts after the ceiling.
	seen := atomic.LoadInt32(&connects)
	if seen != 3 {
		t.Errorf("connects = %d, want exactly 3", seen)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&connects); got != seen {
		t.Errorf("connects grew to %d after terminal stop", got)
	}

	state, err := ckpt.Load(context.Background())
	if err != nil {
		t.Fatalf("checkpoint load: %v", err)
	}
	if state.Active {
		t.Error("checkpoint Active = true after exhaustion; boot would reconnect forever")
	}
}

func TestManagerResetsAttemptsOnSuccessfulConnect(t *testing.T) {
	var connects int32
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connects, 1)
		if n <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.(http.Flusher).Flush()
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(hold)

	ckpt := checkpoint.NewMemoryStore()
	mgr := newTestManager(t, testStreamConfig(srv.URL), ckpt, &recordingStore{})

	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return mgr.Status().Connected
	}, "connected after transient failures")

	if got := mgr.Status().ReconnectAttempts; got != 0 {
		t.Errorf("ReconnectAttempts = %d after successful connect, want 0", got)
	}
	_, _ = mgr.Stop(context.Background())
}

func TestManagerStopCancelsBackoffWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testStreamConfig(srv.URL)
	cfg.BackoffBase = 30 * time.Second // Stop must not wait this out
	cfg.BackoffMax = 30 * time.Second
	cfg.MaxAttempts = 10

	mgr := newTestManager(t, cfg, checkpoint.NewMemoryStore(), &recordingStore{})
	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return mgr.Status().State == "backoff_wait"
	}, "entered backoff")

	start := time.Now()
	if _, err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v during backoff, want immediate", elapsed)
	}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(hold)

	mgr := newTestManager(t, testStreamConfig(srv.URL), checkpoint.NewMemoryStore(), &recordingStore{})
	ctx := context.Background()

	if _, err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mgr.Status().Connected }, "connected")

	snap, err := mgr.Start(ctx)
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if snap.State != "streaming" {
		t.Errorf("second Start() state = %q, want streaming (no restart)", snap.State)
	}
	_, _ = mgr.Stop(ctx)
}

func TestStartPreservesPersistedAttempts(t *testing.T) {
	var connects int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connects, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Two failures already on record; the budget is 3. A resume must
	// not mint a fresh budget, so exactly one more connect remains.
	ckpt := checkpoint.NewMemoryStore()
	seed := &models.ConnectionState{Active: true, ReconnectAttempts: 2}
	if err := ckpt.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	mgr := newTestManager(t, testStreamConfig(srv.URL), ckpt, &recordingStore{})
	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return mgr.Status().State == "stopped"
	}, "manager stopped after exhausting the remaining budget")

	if got := atomic.LoadInt32(&connects); got != 1 {
		t.Errorf("connects = %d, want 1 (attempts resumed at 2 of 3)", got)
	}
	if got := mgr.Status().ReconnectAttempts; got != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", got)
	}
}

func TestStartAfterExhaustionResetsAttempts(t *testing.T) {
	var connects int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connects, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// The counter sits at the ceiling; an explicit operator start gets
	// a full budget again.
	ckpt := checkpoint.NewMemoryStore()
	seed := &models.ConnectionState{Active: false, ReconnectAttempts: 3}
	if err := ckpt.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	mgr := newTestManager(t, testStreamConfig(srv.URL), ckpt, &recordingStore{})
	if _, err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return mgr.Status().State == "stopped"
	}, "manager stopped after exhausting the fresh budget")

	if got := atomic.LoadInt32(&connects); got != 3 {
		t.Errorf("connects = %d, want 3 (full budget after explicit start)", got)
	}
}

func TestBackoffResumesAdvancedSchedule(t *testing.T) {
	cfg := testStreamConfig("http://127.0.0.1:1/stream")
	cfg.BackoffBase = 5 * time.Second
	cfg.BackoffMax = 60 * time.Second
	cfg.BackoffFactor = 1.5

	ckpt := checkpoint.NewMemoryStore()
	seed := &models.ConnectionState{Active: true, ReconnectAttempts: 2}
	if err := ckpt.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	mgr := newTestManager(t, cfg, ckpt, &recordingStore{})
	bo := mgr.newBackoff()

	// With two persisted failures the next delay is base * factor, not
	// the base delay again.
	if got := bo.NextBackOff(); got != 7500*time.Millisecond {
		t.Errorf("resumed delay = %v, want 7.5s", got)
	}
}

func TestShouldAutoStart(t *testing.T) {
	tests := []struct {
		name  string
		state *models.ConnectionState
		want  bool
	}{
		{"no checkpoint", nil, false},
		{"active under ceiling", &models.ConnectionState{Active: true, ReconnectAttempts: 2}, true},
		{"active at ceiling", &models.ConnectionState{Active: true, ReconnectAttempts: 3}, false},
		{"explicitly stopped", &models.ConnectionState{Active: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ckpt := checkpoint.NewMemoryStore()
			if tt.state != nil {
				if err := ckpt.Save(context.Background(), tt.state); err != nil {
					t.Fatalf("seed checkpoint: %v", err)
				}
			}
			mgr := newTestManager(t, testStreamConfig("http://127.0.0.1:1/stream"), ckpt, &recordingStore{})
			if got := mgr.ShouldAutoStart(); got != tt.want {
				t.Errorf("ShouldAutoStart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffScheduleIsDeterministic(t *testing.T) {
	cfg := testStreamConfig("http://127.0.0.1:1/stream")
	cfg.BackoffBase = 5 * time.Second
	cfg.BackoffMax = 60 * time.Second
	cfg.BackoffFactor = 1.5

	mgr := newTestManager(t, cfg, checkpoint.NewMemoryStore(), &recordingStore{})
	bo := mgr.newBackoff()

	want := []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
	}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i+1, got, w)
		}
	}

	// The schedule never exceeds the ceiling.
	for i := 0; i < 20; i++ {
		if got := bo.NextBackOff(); got > cfg.BackoffMax {
			t.Fatalf("delay exceeded ceiling: %v > %v", got, cfg.BackoffMax)
		}
	}
}
