// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package stream owns the long-lived connection to the receipt-capture
// service and the end-to-end connection state machine:
//
//	Idle -> Connecting -> Streaming -> BackoffWait -> Connecting -> ... -> Stopped
//
// Exactly one Manager runs per deployment. All state transitions are
// serialized behind one mutex and every transition is persisted to the
// checkpoint store before the machine moves on, so a crash at any
// point restarts with accurate counters and an intact attempt ceiling.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smartahc/receiptflow/internal/checkpoint"
	"github.com/smartahc/receiptflow/internal/classify"
	"github.com/smartahc/receiptflow/internal/config"
	"github.com/smartahc/receiptflow/internal/framer"
	"github.com/smartahc/receiptflow/internal/logging"
	"github.com/smartahc/receiptflow/internal/metrics"
	"github.com/smartahc/receiptflow/internal/models"
	"github.com/smartahc/receiptflow/internal/pipeline"
	"github.com/smartahc/receiptflow/internal/telemetry"
)

// State is the connection state machine's current position.
type State int

// Machine states.
const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoffWait
	StateStopped
)

// String returns the state name used in logs and the status payload.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoffWait:
		return "backoff_wait"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// errStreamClosed marks a normal upstream close of the stream body.
var errStreamClosed = errors.New("stream: connection closed by upstream")

// Manager is the connection supervisor. Create one with New, drive it
// with Start/Stop, observe it with Status.
type Manager struct {
	cfg        config.StreamConfig
	ckpt       checkpoint.Store
	processor  *pipeline.Processor
	buf        *telemetry.Buffer
	httpClient *http.Client
	log        zerolog.Logger

	// mu serializes Start, Stop and every internal transition. The
	// state machine is never entered concurrently.
	mu        sync.Mutex
	state     State
	conn      models.ConnectionState
	cancel    context.CancelFunc
	runDone   chan struct{}
	startedAt time.Time
	seq       uint64
}

// New builds a Manager and loads the persisted connection state. The
// checkpoint read happens exactly once, here.
func New(cfg config.StreamConfig, ckpt checkpoint.Store, proc *pipeline.Processor, buf *telemetry.Buffer) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		ckpt:      ckpt,
		processor: proc,
		buf:       buf,
		// No overall client timeout: the stream request is meant to
		// live for hours. Reads are bounded separately.
		httpClient: &http.Client{},
		log:        logging.With().Str("component", "stream").Logger(),
		state:      StateIdle,
		startedAt:  time.Now(),
	}

	state, err := ckpt.Load(context.Background())
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		// First run; zero-valued state is correct.
	case err != nil:
		return nil, fmt.Errorf("load connection state: %w", err)
	default:
		m.conn = *state
	}
	return m, nil
}

// ShouldAutoStart reports whether the persisted state says the
// connection was active and still under the attempt ceiling. The host
// consults this at boot so a crash mid-stream resumes, while an
// exhausted connection stays down until an operator intervenes.
func (m *Manager) ShouldAutoStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.Active && m.conn.ReconnectAttempts < m.cfg.MaxAttempts
}

// Start transitions Idle/Stopped into Connecting and launches the run
// loop. Calling Start while the machine is already live is a no-op
// that returns the current status.
func (m *Manager) Start(ctx context.Context) (models.StatusSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnecting || m.state == StateStreaming || m.state == StateBackoffWait {
		return m.snapshotLocked(), nil
	}

	// Persist intent before dialing: a crash between here and the
	// first connect must still resume on restart. Persisted attempts
	// survive a resume so a crash loop cannot mint a fresh budget;
	// only an operator start after exhaustion gets one. Attempts reset
	// to zero on the next successful connect, nowhere else.
	m.conn.Active = true
	if m.conn.ReconnectAttempts >= m.cfg.MaxAttempts {
		m.conn.ReconnectAttempts = 0
	}
	if err := m.persistLocked(ctx); err != nil {
		return m.snapshotLocked(), err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.cancel = cancel
	m.runDone = done
	m.setStateLocked(StateConnecting)

	go m.run(runCtx, done)

	m.log.Info().Str("url", m.cfg.URL).Msg("Stream manager started")
	return m.snapshotLocked(), nil
}

// Stop cancels an in-flight connection attempt or pending backoff wait
// immediately, waits for the run loop to unwind, and persists
// active=false.
func (m *Manager) Stop(ctx context.Context) (models.StatusSnapshot, error) {
	m.mu.Lock()
	if m.cancel == nil {
		// Not running; still record the explicit stop intent.
		m.conn.Active = false
		err := m.persistLocked(ctx)
		m.setStateLocked(StateStopped)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}

	cancel := m.cancel
	done := m.runDone
	m.cancel = nil
	m.runDone = nil
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.Active = false
	err := m.persistLocked(ctx)
	m.setStateLocked(StateStopped)
	m.log.Info().Msg("Stream manager stopped")
	return m.snapshotLocked(), err
}

// Shutdown winds the run loop down for process exit without touching
// the persisted Active flag, so an active connection resumes on the
// next boot. Operator-intent stops go through Stop instead.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancel
	done := m.runDone
	m.cancel = nil
	m.runDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.setStateLocked(StateStopped)
	m.mu.Unlock()
}

// Status returns a read-only snapshot. Side-effect free.
func (m *Manager) Status() models.StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Active reports whether the machine is currently trying to be
// connected (used by the telemetry heartbeat).
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnecting || m.state == StateStreaming || m.state == StateBackoffWait
}

// run is the single actor driving the machine. It owns all transitions
// after Start and exits on context cancellation or attempt exhaustion.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := m.newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		m.transition(ctx, StateConnecting)
		resp, err := m.dial(ctx)
		if err == nil {
			metrics.StreamConnectsTotal.WithLabelValues("success").Inc()
			m.onConnected(ctx)
			bo.Reset()

			err = m.consume(ctx, resp.Body)
			if ctx.Err() != nil {
				_ = resp.Body.Close()
				return
			}
			m.log.Warn().Err(err).Msg("Stream connection lost")
			m.buf.Add("stream.disconnected", telemetry.Record{"reason": errString(err)})
		} else {
			if ctx.Err() != nil {
				return
			}
			metrics.StreamConnectsTotal.WithLabelValues("failure").Inc()
			m.log.Warn().Err(err).Msg("Stream connect failed")
		}

		m.recordErrorNow(ctx)
		if exhausted := m.bumpAttempts(ctx); exhausted {
			m.log.Error().
				Int("attempts", m.cfg.MaxAttempts).
				Msg("Reconnect attempt ceiling reached, stopping until explicit start")
			m.buf.Add("stream.exhausted", telemetry.Record{"attempts": m.cfg.MaxAttempts})
			m.buf.Flush(ctx)
			m.deactivate(ctx)
			return
		}

		m.transition(ctx, StateBackoffWait)
		delay := bo.NextBackOff()
		m.log.Info().Dur("delay", delay).Msg("Waiting before reconnect")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// newBackoff builds the reconnect delay schedule:
// min(base * factor^(attempts-1), max), deterministic. When the
// process restarts with persisted attempts the schedule is advanced to
// match, so a crash loop cannot reset the delays.
func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffBase
	bo.Multiplier = m.cfg.BackoffFactor
	bo.MaxInterval = m.cfg.BackoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	m.mu.Lock()
	attempts := m.conn.ReconnectAttempts
	m.mu.Unlock()
	for i := 1; i < attempts; i++ {
		bo.NextBackOff()
	}
	return bo
}

// dial opens the stream request. Any non-2xx response is a connect
// failure.
func (m *Manager) dial(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// onConnected records the successful connect: attempts reset to zero,
// state Streaming, both persisted.
func (m *Manager) onConnected(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.ReconnectAttempts = 0
	m.conn.LastUpdateAt = time.Now()
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error().Err(err).Msg("Checkpoint write failed")
	}
	m.setStateLocked(StateStreaming)
	m.log.Info().Msg("Stream connected")
	m.buf.Add("stream.connected", telemetry.Record{"url": m.cfg.URL})
}

// consume reads the response body until it ends, feeding records
// through the framer into the pipeline. A per-read idle timer closes
// the body if the upstream goes silent past the configured window.
func (m *Manager) consume(ctx context.Context, body io.ReadCloser) error {
	defer func() { _ = body.Close() }()

	// Best-effort abort: Stop must not wait for the current read.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-watchDone:
		}
	}()

	var idle *time.Timer
	if m.cfg.ReadTimeout > 0 {
		idle = time.AfterFunc(m.cfg.ReadTimeout, func() { _ = body.Close() })
		defer idle.Stop()
	}

	// Fresh framer per connection: no carry-over across reconnects.
	fr := framer.New()
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.Reset(m.cfg.ReadTimeout)
			}
			for _, rec := range fr.Feed(buf[:n]) {
				m.handleRecord(ctx, rec)
			}
		}
		if err != nil {
			if rec, ok := fr.Flush(); ok {
				m.handleRecord(ctx, rec)
			}
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return fmt.Errorf("stream read: %w", err)
		}
	}
}

// handleRecord decodes one framed record and drives it through the
// pipeline, folding the result into the durable counters. Bad records
// are contained here; nothing propagates to the read loop.
func (m *Manager) handleRecord(ctx context.Context, rec string) {
	var evt models.ReceiptEvent
	if err := json.Unmarshal([]byte(rec), &evt); err != nil {
		m.log.Warn().Err(err).Int("bytes", len(rec)).Msg("Undecodable stream record dropped")
		m.mu.Lock()
		m.conn.ParseErrors++
		m.conn.LastUpdateAt = time.Now()
		if perr := m.persistLocked(ctx); perr != nil {
			m.log.Error().Err(perr).Msg("Checkpoint write failed")
		}
		m.mu.Unlock()
		return
	}

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp == "" {
		evt.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	m.mu.Lock()
	m.seq++
	evt.Seq = m.seq
	m.mu.Unlock()

	res := m.processor.Process(ctx, &evt)
	if res.Category == classify.Heartbeat {
		// The handshake sentinel is not a business event.
		return
	}
	metrics.EventsReceivedTotal.Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.TotalEventsReceived++
	if res.OrderCreated {
		m.conn.OrdersProcessed++
	}
	if res.Category == classify.Malformed {
		m.conn.ParseErrors++
	}
	if res.Err != nil {
		m.conn.LastErrorAt = time.Now()
	}
	m.conn.LastUpdateAt = time.Now()
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error().Err(err).Msg("Checkpoint write failed")
	}
}

// bumpAttempts increments the reconnect counter, persists it, and
// reports whether the ceiling has been reached.
func (m *Manager) bumpAttempts(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.ReconnectAttempts++
	m.conn.LastUpdateAt = time.Now()
	metrics.StreamReconnectAttempts.Set(float64(m.conn.ReconnectAttempts))
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error().Err(err).Msg("Checkpoint write failed")
	}
	return m.conn.ReconnectAttempts >= m.cfg.MaxAttempts
}

// deactivate is the terminal path after attempt exhaustion.
func (m *Manager) deactivate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.Active = false
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error().Err(err).Msg("Checkpoint write failed")
	}
	m.setStateLocked(StateStopped)
}

// recordErrorNow stamps LastErrorAt after a connect failure or
// connection loss.
func (m *Manager) recordErrorNow(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.LastErrorAt = time.Now()
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error().Err(err).Msg("Checkpoint write failed")
	}
}

// transition moves the machine to next under the lock.
func (m *Manager) transition(ctx context.Context, next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.LastUpdateAt = time.Now()
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error().Err(err).Msg("Checkpoint write failed")
	}
	m.setStateLocked(next)
}

// setStateLocked updates the in-memory state and gauges. Callers hold mu.
func (m *Manager) setStateLocked(next State) {
	if m.state != next {
		m.log.Debug().Str("from", m.state.String()).Str("to", next.String()).Msg("State transition")
	}
	m.state = next
	if next == StateStreaming {
		metrics.StreamConnected.Set(1)
	} else {
		metrics.StreamConnected.Set(0)
	}
}

// persistLocked writes the connection state synchronously. Callers hold mu.
func (m *Manager) persistLocked(ctx context.Context) error {
	state := m.conn
	return m.ckpt.Save(ctx, &state)
}

// snapshotLocked builds the status payload. Callers hold mu.
func (m *Manager) snapshotLocked() models.StatusSnapshot {
	return models.StatusSnapshot{
		Connected:         m.state == StateStreaming,
		State:             m.state.String(),
		ReconnectAttempts: m.conn.ReconnectAttempts,
		LastUpdate:        m.conn.LastUpdateAt,
		LastError:         m.conn.LastErrorAt,
		OrdersProcessed:   m.conn.OrdersProcessed,
		TotalReceived:     m.conn.TotalEventsReceived,
		ParseErrors:       m.conn.ParseErrors,
		UptimeSeconds:     int64(time.Since(m.startedAt).Seconds()),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
