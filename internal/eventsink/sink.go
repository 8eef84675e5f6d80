// Package eventsink implements the Event Sink: a non-blocking, tagged-union
// domain event queue that serializes submissions per dependency key, gates
// room-scoped events on their room's RoomCreated having already landed, and
// retries failed submissions with a backoff that varies by error class.
package eventsink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
	"github.com/proctorsfu/core/pkg/queue"
)

const (
	txDelay         = 3 * time.Second
	defaultRetries  = 5
	workerQueue     = 256

	nonceBackoff     = 10 * time.Second
	transportBackoff = 5 * time.Second
	genericBackoff   = 3 * time.Second
)

// Sink implements sfu.EventSink on top of a per-key worker pool.
type Sink struct {
	ledger     Ledger
	dlq        *queue.Queue
	log        *zap.Logger
	maxRetries int

	mu           sync.Mutex
	workers      map[string]chan sfu.Event
	lastSubmit   map[string]time.Time
	roomReady    map[string]chan struct{}
	roomReadyGen map[string]bool // true once the room's ready channel has been closed
}

// New builds an event sink. ledger may be nil, in which case NopLedger is
// used. dlq may be nil, in which case exhausted submissions are only logged.
// maxRetries <= 0 falls back to defaultRetries.
func New(ledger Ledger, dlq *queue.Queue, maxRetries int, log *zap.Logger) *Sink {
	if ledger == nil {
		ledger = NopLedger{}
	}
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	return &Sink{
		ledger:       ledger,
		dlq:          dlq,
		log:          log,
		maxRetries:   maxRetries,
		workers:      make(map[string]chan sfu.Event),
		lastSubmit:   make(map[string]time.Time),
		roomReady:    make(map[string]chan struct{}),
		roomReadyGen: make(map[string]bool),
	}
}

// Submit implements sfu.EventSink: non-blocking from the caller's
// perspective, dispatched onto the per-dependency-key worker.
func (s *Sink) Submit(e sfu.Event) {
	ch := s.workerFor(e.DependencyKey)
	select {
	case ch <- e:
	default:
		s.log.Warn("event sink queue full, dropping event",
			zap.String("dependency_key", e.DependencyKey), zap.String("kind", string(e.Kind)))
	}
}

func (s *Sink) workerFor(key string) chan sfu.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.workers[key]
	if ok {
		return ch
	}
	ch = make(chan sfu.Event, workerQueue)
	s.workers[key] = ch
	go s.runWorker(key, ch)
	return ch
}

func (s *Sink) runWorker(key string, ch chan sfu.Event) {
	for e := range ch {
		s.waitForRoomReady(e)
		s.waitForSpacing(key)
		s.submitWithRetry(e)
		s.recordSpacing(key)
		if e.Kind == sfu.EventRoomCreated {
			s.markRoomReady(e.RoomID)
		}
	}
}

// waitForRoomReady blocks non-RoomCreated, room-scoped events until that
// room's RoomCreated submission has completed.
func (s *Sink) waitForRoomReady(e sfu.Event) {
	if e.Kind == sfu.EventRoomCreated || e.RoomID == "" {
		return
	}
	<-s.roomReadyChan(e.RoomID)
}

func (s *Sink) roomReadyChan(roomID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.roomReady[roomID]
	if !ok {
		ch = make(chan struct{})
		s.roomReady[roomID] = ch
	}
	return ch
}

func (s *Sink) markRoomReady(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomReadyGen[roomID] {
		return
	}
	s.roomReadyGen[roomID] = true
	close(s.roomReadyChan(roomID))
}

func (s *Sink) waitForSpacing(key string) {
	s.mu.Lock()
	last, ok := s.lastSubmit[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	if elapsed := time.Since(last); elapsed < txDelay {
		time.Sleep(txDelay - elapsed)
	}
}

func (s *Sink) recordSpacing(key string) {
	s.mu.Lock()
	s.lastSubmit[key] = time.Now()
	s.mu.Unlock()
}

func backoffFor(err error) time.Duration {
	switch err.(type) {
	case *nonceError:
		return nonceBackoff
	case *transportError:
		return transportBackoff
	default:
		return genericBackoff
	}
}

// submitWithRetry retries a failing submission with a class-dependent
// backoff up to maxRetries, then gives up. Completion is always logged, even
// on terminal failure, so the worker never blocks on one bad event.
func (s *Sink) submitWithRetry(e sfu.Event) {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err = s.ledger.Submit(e); err == nil {
			s.log.Info("event submitted",
				zap.String("kind", string(e.Kind)), zap.String("dependency_key", e.DependencyKey), zap.Int("attempt", attempt))
			return
		}
		if attempt == s.maxRetries {
			break
		}
		delay := backoffFor(err) * time.Duration(attempt+1)
		s.log.Warn("event submission failed, retrying",
			zap.String("kind", string(e.Kind)), zap.String("dependency_key", e.DependencyKey),
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		time.Sleep(delay)
	}
	s.log.Error("event submission exhausted retries, recording terminal failure",
		zap.String("kind", string(e.Kind)), zap.String("dependency_key", e.DependencyKey), zap.Error(err))

	if s.dlq == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dl := queue.DeadLetter{
		Kind: string(e.Kind), DependencyKey: e.DependencyKey, RoomID: e.RoomID, PeerID: e.PeerID,
		Attempts: s.maxRetries + 1, FailedAt: time.Now(),
	}
	if err != nil {
		dl.LastError = err.Error()
	}
	if pushErr := s.dlq.PushDeadLetter(ctx, dl); pushErr != nil {
		s.log.Error("dead letter push failed", zap.Error(pushErr))
	}
}
