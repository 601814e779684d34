package escalation

import "time"

// Windows holds the base wait per channel stage for one level.
type Windows struct {
	Push    time.Duration
	Message time.Duration
	Call    time.Duration
}

func (w Windows) forStage(s Stage) time.Duration {
	switch s {
	case StagePush:
		return w.Push
	case StageMessage:
		return w.Message
	case StageCall:
		return w.Call
	default:
		return 0
	}
}

func uniform(d time.Duration) Windows { return Windows{Push: d, Message: d, Call: d} }

// DefaultWindows returns the stock base waits: 2m per stage for must_not_miss,
// 5m for important and 15m for standard.
func DefaultWindows() map[Level]Windows {
	return map[Level]Windows{
		Levels.MustNotMiss: uniform(2 * time.Minute),
		Levels.Important:   uniform(5 * time.Minute),
		Levels.Standard:    uniform(15 * time.Minute),
	}
}

type ActionKind int

const (
	ActionWait ActionKind = iota
	ActionEscalate
)

func (k ActionKind) String() string {
	if k == ActionEscalate {
		return "escalate"
	}
	return "wait"
}

// Action is the policy decision for one dispatch.
//
// For ActionEscalate, Next is the stage to move to (StageExhausted after call).
// TimeoutAt is when the current stage's window closes.
type Action struct {
	Kind      ActionKind
	Next      Stage
	TimeoutAt time.Time
}

// Policy decides when a dispatch escalates. It is a pure value: identical
// inputs always yield identical outputs, and it never reads the clock.
type Policy struct {
	windows map[Level]Windows
}

// NewPolicy builds a policy. Levels or stages missing from windows fall back
// to [DefaultWindows].
func NewPolicy(windows map[Level]Windows) Policy {
	def := DefaultWindows()
	merged := make(map[Level]Windows, len(def))
	for _, lv := range Levels.All() {
		w := def[lv]
		if o, ok := windows[lv]; ok {
			if o.Push > 0 {
				w.Push = o.Push
			}
			if o.Message > 0 {
				w.Message = o.Message
			}
			if o.Call > 0 {
				w.Call = o.Call
			}
		}
		merged[lv] = w
	}
	return Policy{windows: merged}
}

// Window returns the effective wait for stage at level: base / multiplier.
func (p Policy) Window(lv Level, s Stage, multiplier float64) time.Duration {
	w, ok := p.windows[lv]
	if !ok {
		w = p.windows[Levels.Standard]
	}
	base := w.forStage(s)
	if base <= 0 {
		return 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return time.Duration(float64(base) / multiplier)
}

// NextAction decides what to do with a dispatch at stage that was accepted by
// its provider at dispatchedAt.
func (p Policy) NextAction(lv Level, s Stage, dispatchedAt, now time.Time, multiplier float64) Action {
	switch {
	case s <= StageNone:
		return Action{Kind: ActionEscalate, Next: StagePush, TimeoutAt: now}
	case s >= StageExhausted:
		return Action{Kind: ActionEscalate, Next: StageExhausted, TimeoutAt: dispatchedAt}
	}
	wait := p.Window(lv, s, multiplier)
	timeoutAt := dispatchedAt.Add(wait)
	if now.Sub(dispatchedAt) < wait {
		return Action{Kind: ActionWait, Next: s, TimeoutAt: timeoutAt}
	}
	return Action{Kind: ActionEscalate, Next: s.Next(), TimeoutAt: timeoutAt}
}
