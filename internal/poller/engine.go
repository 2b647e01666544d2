package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type command int

const (
	cmdLocalSend command = iota
	cmdRetryNow
)

// Engine drives polling for one room. All mutable state is owned by the run
// loop goroutine; external calls communicate through commands and read the
// last published snapshot. At most one fetch is ever outstanding because the
// loop issues fetches synchronously.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	logger  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	commands chan command
	done     chan struct{}

	startMu sync.Mutex
	started bool
	stopped bool

	mu        sync.Mutex
	published Snapshot
}

// NewEngine validates the configuration and constructs an Engine. The engine
// does not poll until Start is called.
func NewEngine(fetcher Fetcher, cfg Config, logger *zap.Logger) (*Engine, error) {
	if fetcher == nil {
		return nil, ErrMissingFetcher
	}
	if strings.TrimSpace(cfg.RoomID) == "" {
		return nil, ErrMissingRoom
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		cfg:      cfg.withDefaults(),
		fetcher:  fetcher,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan command, 4),
		done:     make(chan struct{}),
	}
	engine.published = Snapshot{State: StateIdle, Cursor: cfg.Cursor}
	return engine, nil
}

// Start launches the run loop. The first poll fires immediately.
func (e *Engine) Start() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	if e.stopped {
		return errors.New("poller: engine already stopped")
	}
	e.started = true
	go e.run()
	return nil
}

// Stop tears the engine down: it cancels any in-flight request, clears the
// pending timer, and waits for the run loop to exit. After Stop returns no
// engine state mutates, even if a canceled fetch later resolves. Stop is
// idempotent.
func (e *Engine) Stop() {
	e.startMu.Lock()
	wasStarted := e.started
	e.stopped = true
	e.startMu.Unlock()

	e.cancel()
	if wasStarted {
		<-e.done
	} else {
		e.mu.Lock()
		e.published.State = StateStopped
		e.mu.Unlock()
	}
}

// NotifyLocalSend switches the engine to the fast cadence for the configured
// duration so the reply surfaces quickly. Safe to call from any goroutine.
func (e *Engine) NotifyLocalSend() {
	e.sendCommand(cmdLocalSend)
}

// RetryNow resets the retry bookkeeping and polls immediately. It is the
// manual affordance surfaced from the degraded state; it has no effect once
// the engine stopped or authentication expired.
func (e *Engine) RetryNow() {
	e.sendCommand(cmdRetryNow)
}

// Snapshot returns the engine's current connection health, error, retry
// count, cursor, scoreboard, and held messages.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := e.published
	if len(snapshot.Messages) > 0 {
		copied := make([]Message, len(snapshot.Messages))
		copy(copied, snapshot.Messages)
		snapshot.Messages = copied
	}
	return snapshot
}

func (e *Engine) sendCommand(cmd command) {
	select {
	case e.commands <- cmd:
	case <-e.ctx.Done():
	default:
	}
}

// loopState is the run loop's private bookkeeping.
type loopState struct {
	state State
	held  *mergeState
	// cursor tracks the newest observed message; analysesSince tracks the
	// server time of the last successful poll so the next request can ask
	// for analyses that attached after the cursor already passed a message.
	cursor        string
	analysesSince int64
	scores        Scores
	retryCount    int
	lastErr       string
	connected     bool
	fastUntil     time.Time
	lastActivity  time.Time
	nextPollAt    time.Time
	probeAt       time.Time
	probeSpent    bool
}

func (e *Engine) run() {
	defer close(e.done)

	now := time.Now()
	ls := &loopState{
		state:        StateConnecting,
		held:         newMergeState(),
		cursor:       e.cfg.Cursor,
		lastActivity: now,
		nextPollAt:   now,
	}
	e.publish(ls)

	// The one owned wakeup timer. It is re-armed (or parked) every
	// iteration; canceling an already-fired timer is a drained no-op.
	wake := time.NewTimer(0)
	defer wake.Stop()

	for {
		timerC := e.armWake(wake, ls)

		select {
		case <-e.ctx.Done():
			ls.state = StateStopped
			ls.connected = false
			e.publish(ls)
			return
		case cmd := <-e.commands:
			e.handleCommand(ls, cmd)
		case <-timerC:
			e.handleWake(ls)
		}
		if ls.state == StateStopped {
			e.publish(ls)
			return
		}
		e.publish(ls)
	}
}

// armWake points the timer at the next due event, or parks it (nil channel)
// when the engine is waiting on an external trigger only.
func (e *Engine) armWake(wake *time.Timer, ls *loopState) <-chan time.Time {
	var target time.Time
	switch ls.state {
	case StateConnecting, StatePolling, StateBackoff:
		target = ls.nextPollAt
	case StateDegraded:
		if !ls.probeSpent {
			target = ls.probeAt
		}
	}

	if !wake.Stop() {
		select {
		case <-wake.C:
		default:
		}
	}
	if target.IsZero() {
		return nil
	}
	wake.Reset(time.Until(target))
	return wake.C
}

func (e *Engine) handleWake(ls *loopState) {
	now := time.Now()
	if ls.state == StateDegraded {
		if !ls.probeSpent && !now.Before(ls.probeAt) {
			e.probe(ls)
		}
		return
	}
	if !now.Before(ls.nextPollAt) {
		e.poll(ls)
	}
}

func (e *Engine) handleCommand(ls *loopState, cmd command) {
	now := time.Now()
	switch cmd {
	case cmdLocalSend:
		ls.fastUntil = now.Add(e.cfg.FastDuration)
		ls.lastActivity = now
		earliest := now.Add(e.cfg.FastInterval)
		switch ls.state {
		case StateConnecting, StatePolling:
			if ls.nextPollAt.After(earliest) {
				ls.nextPollAt = earliest
			}
		}
	case cmdRetryNow:
		switch ls.state {
		case StateConnecting, StatePolling, StateBackoff, StateDegraded:
			ls.retryCount = 0
			ls.lastErr = ""
			ls.probeAt = time.Time{}
			ls.probeSpent = false
			ls.state = StateConnecting
			ls.nextPollAt = now
		}
	}
}

// poll issues one bounded fetch and folds the outcome into loop state. The
// request context derives from the engine context, so teardown cancels the
// in-flight call; a fetch resolving after cancellation is discarded without
// merging.
func (e *Engine) poll(ls *loopState) {
	requestCtx, cancelRequest := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
	batch, err := e.fetcher.FetchSince(requestCtx, e.cfg.RoomID, ls.cursor, ls.analysesSince)
	cancelRequest()

	if e.ctx.Err() != nil {
		ls.state = StateStopped
		return
	}

	now := time.Now()
	if err == nil {
		lastNewID, appended := ls.held.merge(batch.Messages)
		if appended > 0 {
			ls.cursor = lastNewID
			ls.lastActivity = now
		}
		if batch.Scores != nil {
			ls.scores = *batch.Scores
		}
		if batch.ServerTimeS > 0 {
			ls.analysesSince = batch.ServerTimeS
		}
		ls.retryCount = 0
		ls.lastErr = ""
		ls.connected = true
		ls.state = StatePolling
		ls.nextPollAt = now.Add(e.currentInterval(ls, now))
		return
	}

	ls.connected = false
	ls.lastErr = describeFailure(err)

	if errors.Is(err, ErrAuthExpired) {
		ls.state = StateAuthRequired
		e.logger.Warn("polling stopped: authentication expired", zap.String("room_id", e.cfg.RoomID))
		return
	}

	ls.retryCount++
	if ls.retryCount > e.cfg.MaxRetryAttempts {
		ls.state = StateDegraded
		ls.probeAt = now.Add(e.cfg.ProbeCooldown)
		ls.probeSpent = false
		e.logger.Warn("retry budget exhausted, entering degraded state",
			zap.String("room_id", e.cfg.RoomID),
			zap.Int("attempts", e.cfg.MaxRetryAttempts))
		return
	}

	delay := e.cfg.BackoffDelay(ls.retryCount)
	ls.state = StateBackoff
	ls.nextPollAt = now.Add(delay)
	e.logger.Debug("scheduling poll retry",
		zap.String("room_id", e.cfg.RoomID),
		zap.Int("retry", ls.retryCount),
		zap.Duration("delay", delay))
}

// probe performs the single degraded-state reconnection check. Success fully
// resets the engine; failure leaves the manual-retry affordance.
func (e *Engine) probe(ls *loopState) {
	ls.probeSpent = true

	probeCtx, cancelProbe := context.WithTimeout(e.ctx, e.cfg.ProbeTimeout)
	err := e.fetcher.ProbeRoom(probeCtx, e.cfg.RoomID)
	cancelProbe()

	if e.ctx.Err() != nil {
		ls.state = StateStopped
		return
	}

	now := time.Now()
	if err == nil {
		ls.retryCount = 0
		ls.lastErr = ""
		ls.state = StateConnecting
		ls.nextPollAt = now
		e.logger.Info("reconnection probe succeeded, resuming polling", zap.String("room_id", e.cfg.RoomID))
		return
	}

	ls.lastErr = fmt.Sprintf("reconnection probe failed: %v", err)
	e.logger.Warn("reconnection probe failed, waiting for manual retry",
		zap.String("room_id", e.cfg.RoomID),
		zap.Error(err))
}

// currentInterval picks the cadence: fast while the post-send window holds,
// slow after a quiet stretch, baseline otherwise.
func (e *Engine) currentInterval(ls *loopState, now time.Time) time.Duration {
	if now.Before(ls.fastUntil) {
		return e.cfg.FastInterval
	}
	if now.Sub(ls.lastActivity) > e.cfg.SlowAfter {
		return e.cfg.SlowInterval
	}
	return e.cfg.BaselineInterval
}

func (e *Engine) publish(ls *loopState) {
	snapshot := Snapshot{
		State:      ls.state,
		Connected:  ls.connected,
		LastError:  ls.lastErr,
		RetryCount: ls.retryCount,
		Cursor:     ls.cursor,
		Interval:   e.currentInterval(ls, time.Now()),
		Scores:     ls.scores,
		Messages:   ls.held.snapshot(),
	}
	e.mu.Lock()
	e.published = snapshot
	e.mu.Unlock()
}

func describeFailure(err error) string {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return "authentication expired"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timeout"
	case errors.Is(err, ErrTransient):
		return err.Error()
	default:
		return fmt.Sprintf("connection failed: %v", err)
	}
}
