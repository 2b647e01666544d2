// Package poller implements the client-resident delivery engine: it fetches
// messages since a cursor on an adaptive cadence, retries transient failures
// with bounded exponential backoff, probes connection health after the retry
// budget is spent, and merges results into local state exactly once.
package poller

import (
	"context"
	"errors"
	"time"
)

// State enumerates the engine's lifecycle positions.
type State string

const (
	// StateIdle means the engine has been constructed but not started.
	StateIdle State = "idle"
	// StateConnecting covers the first fetch after start or full reset.
	StateConnecting State = "connecting"
	// StatePolling is the steady state between successful fetches.
	StatePolling State = "polling"
	// StateBackoff means a transient failure scheduled a delayed retry.
	StateBackoff State = "backoff"
	// StateDegraded means the retry budget is exhausted; a single health
	// probe fires after the cooldown, after which only RetryNow resumes.
	StateDegraded State = "degraded"
	// StateAuthRequired means polling stopped on an expired session.
	StateAuthRequired State = "auth_required"
	// StateStopped means the engine was torn down.
	StateStopped State = "stopped"
)

var (
	// ErrAuthExpired marks a non-retriable authentication failure.
	ErrAuthExpired = errors.New("poller: authentication expired")
	// ErrTransient marks a retriable delivery failure (network error,
	// timeout, 502/503/504, connection reset).
	ErrTransient = errors.New("poller: transient failure")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("poller: engine already started")
	// ErrMissingFetcher is returned when no Fetcher is configured.
	ErrMissingFetcher = errors.New("poller: fetcher is required")
	// ErrMissingRoom is returned when no room id is configured.
	ErrMissingRoom = errors.New("poller: room id is required")
)

// IsRetriable reports whether a fetch error should be retried. Expired
// authentication is the one hard stop; context cancellation is neither
// retried nor counted because it only occurs on teardown.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// MessageAnalysis is the analysis payload a poll delivers alongside a message.
type MessageAnalysis struct {
	Verdict        string
	SenderState    string
	ReceiverImpact string
	Evidence       string
	Suggestion     string
	Risk           string
}

// Message is the engine's held view of one chat message. Analysis may arrive
// on a later poll than the message itself.
type Message struct {
	ID              string
	RoomID          string
	SenderID        string
	DisplayName     string
	Slot            string
	Content         string
	CreatedAtMillis int64
	Analysis        *MessageAnalysis
}

// Scores is the room scoreboard piggybacked on every poll response.
type Scores struct {
	Player1     int
	Player2     int
	CreatedByID string
}

// Batch is one poll result: messages strictly after the cursor plus the
// current scoreboard.
type Batch struct {
	Messages    []Message
	Scores      *Scores
	ServerTimeS int64
}

// Fetcher is the transport the engine polls through.
type Fetcher interface {
	// FetchSince returns messages after the cursor (all messages when the
	// cursor is empty) along with current scores. A positive analysesSince
	// additionally requests re-delivery of messages at or before the cursor
	// whose analysis attached at or after that unix time, so a held message
	// gains its analysis on a later poll.
	FetchSince(ctx context.Context, roomID, cursor string, analysesSince int64) (Batch, error)
	// ProbeRoom is a lightweight existence check used by the degraded-state
	// health probe.
	ProbeRoom(ctx context.Context, roomID string) error
}

// Config carries the engine's tunables. Zero values take the defaults below.
type Config struct {
	RoomID string
	// Cursor resumes polling after the given message id.
	Cursor string

	BaselineInterval time.Duration
	FastInterval     time.Duration
	SlowInterval     time.Duration
	// FastDuration bounds how long fast cadence holds after a local send.
	FastDuration time.Duration
	// SlowAfter is the idle window without new messages before decaying to
	// the slow cadence.
	SlowAfter time.Duration

	RequestTimeout    time.Duration
	RetryBaseDelay    time.Duration
	BackoffMultiplier float64
	MaxBackoffDelay   time.Duration
	MaxRetryAttempts  int

	ProbeCooldown time.Duration
	ProbeTimeout  time.Duration
}

const (
	defaultBaselineInterval  = 3 * time.Second
	defaultFastInterval      = time.Second
	defaultSlowInterval      = 5 * time.Second
	defaultFastDuration      = 10 * time.Second
	defaultSlowAfter         = 30 * time.Second
	defaultRequestTimeout    = 15 * time.Second
	defaultRetryBaseDelay    = time.Second
	defaultBackoffMultiplier = 1.5
	defaultMaxBackoffDelay   = 30 * time.Second
	defaultMaxRetryAttempts  = 10
	defaultProbeCooldown     = 10 * time.Second
	defaultProbeTimeout      = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BaselineInterval <= 0 {
		c.BaselineInterval = defaultBaselineInterval
	}
	if c.FastInterval <= 0 {
		c.FastInterval = defaultFastInterval
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = defaultSlowInterval
	}
	if c.FastDuration <= 0 {
		c.FastDuration = defaultFastDuration
	}
	if c.SlowAfter <= 0 {
		c.SlowAfter = defaultSlowAfter
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.MaxBackoffDelay <= 0 {
		c.MaxBackoffDelay = defaultMaxBackoffDelay
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if c.ProbeCooldown <= 0 {
		c.ProbeCooldown = defaultProbeCooldown
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// BackoffDelay computes the delay before retry number attempt (1-based),
// growing geometrically and capped at the configured ceiling.
func (c Config) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.RetryBaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.BackoffMultiplier
		if delay >= float64(c.MaxBackoffDelay) {
			return c.MaxBackoffDelay
		}
	}
	if delay > float64(c.MaxBackoffDelay) {
		return c.MaxBackoffDelay
	}
	return time.Duration(delay)
}

// Snapshot is the engine state exposed to the UI.
type Snapshot struct {
	State      State
	Connected  bool
	LastError  string
	RetryCount int
	Cursor     string
	Interval   time.Duration
	Scores     Scores
	Messages   []Message
}
