package escalation

import (
	"strings"
	"time"
)

// Attributes are the task fields that influence priority.
type Attributes struct {
	Class     string
	Tags      []string
	MissCount int
	Deadline  time.Time
}

// ScoreConfig configures a [Scorer].
type ScoreConfig struct {
	// CriticalTags force must_not_miss. Defaults to ["critical"].
	CriticalTags []string
	// MissThreshold is the default miss count that forces must_not_miss.
	// Zero or negative disables the rule.
	MissThreshold int
	// ClassMissThresholds overrides MissThreshold per task class.
	ClassMissThresholds map[string]int
	// ElevatedWindow promotes tasks whose deadline is this close to important.
	ElevatedWindow time.Duration
}

// Scorer maps task attributes to a [Level]. It holds no state and is safe for
// concurrent use.
type Scorer struct {
	critical   map[string]struct{}
	threshold  int
	perClass   map[string]int
	elevatedIn time.Duration
}

func NewScorer(cfg ScoreConfig) Scorer {
	tags := cfg.CriticalTags
	if len(tags) == 0 {
		tags = []string{"critical"}
	}
	s := Scorer{
		critical:   make(map[string]struct{}, len(tags)),
		threshold:  cfg.MissThreshold,
		perClass:   make(map[string]int, len(cfg.ClassMissThresholds)),
		elevatedIn: cfg.ElevatedWindow,
	}
	for _, t := range tags {
		if t = normTag(t); t != "" {
			s.critical[t] = struct{}{}
		}
	}
	for k, v := range cfg.ClassMissThresholds {
		s.perClass[normTag(k)] = v
	}
	return s
}

// Score evaluates the rule table in order; the first match wins.
func (s Scorer) Score(a Attributes, now time.Time) Level {
	for _, t := range a.Tags {
		if _, ok := s.critical[normTag(t)]; ok {
			return Levels.MustNotMiss
		}
	}
	if th := s.thresholdFor(a.Class); th > 0 && a.MissCount >= th {
		return Levels.MustNotMiss
	}
	if !a.Deadline.IsZero() && s.elevatedIn > 0 && a.Deadline.Sub(now) <= s.elevatedIn {
		return Levels.Important
	}
	return Levels.Standard
}

func (s Scorer) thresholdFor(class string) int {
	if v, ok := s.perClass[normTag(class)]; ok && class != "" {
		return v
	}
	return s.threshold
}

func normTag(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
