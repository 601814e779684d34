package escalation

import (
	"fmt"
	"strings"
)

// Stage is a position in the fixed channel sequence.
//
// Stages are ordered: none < push < message < call < exhausted.
type Stage int

const (
	StageNone Stage = iota
	StagePush
	StageMessage
	StageCall
	StageExhausted
)

var stageNames = [...]string{"none", "push", "message", "call", "exhausted"}

func (s Stage) String() string {
	if s < StageNone || s > StageExhausted {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Next returns the stage after s. Exhausted is absorbing.
func (s Stage) Next() Stage {
	if s >= StageCall {
		return StageExhausted
	}
	if s < StageNone {
		return StagePush
	}
	return s + 1
}

// IsChannel reports whether s sends through a provider.
func (s Stage) IsChannel() bool { return s >= StagePush && s <= StageCall }

// ParseStage parses a stage name.
func ParseStage(raw string) (Stage, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range stageNames {
		if n == v {
			return Stage(i), nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage %q", raw)
}

// ChannelStages lists the stages that send, in order.
func ChannelStages() []Stage { return []Stage{StagePush, StageMessage, StageCall} }

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
