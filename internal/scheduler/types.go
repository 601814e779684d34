package scheduler

import (
	"time"

	"escalator/internal/escalation"
)

// Config holds every scheduler knob. All of them are hot-reloadable; changes
// take effect at the next poll.
type Config struct {
	// Poll is the trigger: "30s", "@every 30s" or a cron expression.
	Poll string
	// SpeedMultiplier divides every escalation window. <= 0 means 1.
	SpeedMultiplier float64
	// Concurrency bounds per-cycle fan-out across tasks.
	Concurrency int
	// SendLease is the provisional next_check_at of a claimed row. It must
	// exceed the slowest channel timeout.
	SendLease time.Duration

	MaxSendAttempts int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration

	Score   escalation.ScoreConfig
	Windows map[escalation.Level]escalation.Windows
}

func (c Config) withDefaults() Config {
	if c.Poll == "" {
		c.Poll = "30s"
	}
	if c.SpeedMultiplier <= 0 {
		c.SpeedMultiplier = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SendLease <= 0 {
		c.SendLease = time.Minute
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	return c
}

// Metrics receives scheduler counters. internal/metrics implements it.
type Metrics interface {
	ObservePoll(took time.Duration, inFlight int, err error)
	IncSend(stage, outcome string)
	IncTransition(from, to, reason string)
	IncContention(op string)
	IncExhausted()
}

type nopMetrics struct{}

func (nopMetrics) ObservePoll(time.Duration, int, error) {}
func (nopMetrics) IncSend(string, string)                {}
func (nopMetrics) IncTransition(string, string, string)  {}
func (nopMetrics) IncContention(string)                  {}
func (nopMetrics) IncExhausted()                         {}

// Report summarizes one poll cycle.
type Report struct {
	At   time.Time     `json:"at"`
	Took time.Duration `json:"took"`

	InFlight int `json:"in_flight"`
	Due      int `json:"due"`
	// Stale counts in-flight rows whose next_check_at had passed.
	Stale int `json:"stale"`

	Created    int `json:"created"`
	Sent       int `json:"sent"`
	SendFailed int `json:"send_failed"`
	Retried    int `json:"retried"`
	Escalated  int `json:"escalated"`
	Exhausted  int `json:"exhausted"`
	Closed     int `json:"closed"`
	Contention int `json:"contention"`

	// Aborted is set when a store error cancelled the rest of the cycle.
	Aborted bool   `json:"aborted"`
	Error   string `json:"error,omitempty"`
}

// Transition reasons, used in logs, events and metrics.
const (
	reasonTimeout          = "timeout"
	reasonInvalidRecipient = "invalid_recipient"
	reasonAttempts         = "attempts_exhausted"
)
