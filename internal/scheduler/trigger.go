package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts 5- or 6-field cron expressions and descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reMMSS = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Trigger is a normalized poll schedule.
type Trigger struct {
	// Spec is what robfig/cron is given, e.g. "@every 30s".
	Spec string
	// Every is set for fixed intervals.
	Every time.Duration
}

// ParseTrigger normalizes scheduler.poll.
//
// Supported forms:
//   - Go duration: "30s", "1m30s"
//   - MM:SS: "00:30"
//   - descriptor: "@every 30s", "@hourly"
//   - cron: "*/30 * * * * *" (seconds optional), or "cron:" prefixed
func ParseTrigger(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, fmt.Errorf("poll schedule required")
	}
	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
		return cronTrigger(s)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronTrigger(s)
	}
	if m := reMMSS.FindStringSubmatch(s); m != nil {
		d, err := time.ParseDuration(m[1] + "m" + m[2] + "s")
		if err != nil || d <= 0 || m[2][0] > '5' {
			return Trigger{}, fmt.Errorf("invalid MM:SS poll interval %q", raw)
		}
		return everyTrigger(d), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid poll schedule %q (use a duration like '30s', '@every 30s', or a cron expression)", raw)
	}
	if d <= 0 {
		return Trigger{}, fmt.Errorf("poll interval must be > 0")
	}
	return everyTrigger(d), nil
}

func everyTrigger(d time.Duration) Trigger {
	return Trigger{Spec: "@every " + d.String(), Every: d}
}

func cronTrigger(expr string) (Trigger, error) {
	if expr == "" {
		return Trigger{}, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	t := Trigger{Spec: expr}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		t.Every = cd.Delay
	}
	return t, nil
}
