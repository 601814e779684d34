package escalation

import "fmt"

// Level is the coarse urgency of a task. It drives how aggressively a task
// escalates and is recomputed every poll cycle.
type Level struct {
	level
}

// ParseLevel creates a [Level] from the given value. Unknown values map to
// standard.
func ParseLevel(v any) Level {
	switch x := v.(type) {
	case Level:
		return x
	case string:
		return Level{stringToLevel(x)}
	case fmt.Stringer:
		return Level{stringToLevel(x.String())}
	case int:
		return Level{intToLevel(x)}
	default:
		return Levels.Standard
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*l = ParseLevel(s)
	return nil
}

// Levels references every [Level] by name.
var Levels = levelContainer{
	Standard:    Level{levelStandard},
	Important:   Level{levelImportant},
	MustNotMiss: Level{levelMustNotMiss},
}

// All returns levels from least to most urgent.
func (c levelContainer) All() []Level {
	return []Level{c.Standard, c.Important, c.MustNotMiss}
}

type level int

// The zero value is standard so an unset Level is safe.
const (
	levelStandard    level = 0
	levelImportant   level = 10
	levelMustNotMiss level = 20
)

var (
	strLevelMap = map[level]string{
		levelStandard:    "standard",
		levelImportant:   "important",
		levelMustNotMiss: "must_not_miss",
	}

	typeLevelMap = map[string]level{
		"standard":      levelStandard,
		"important":     levelImportant,
		"must_not_miss": levelMustNotMiss,
	}
)

func (l level) String() string {
	if s, ok := strLevelMap[l]; ok {
		return s
	}
	return strLevelMap[levelStandard]
}

func (l level) IsValid() bool {
	_, ok := strLevelMap[l]
	return ok
}

func stringToLevel(s string) level {
	if v, ok := typeLevelMap[s]; ok {
		return v
	}
	return levelStandard
}

func intToLevel(i int) level {
	l := level(i)
	if l.IsValid() {
		return l
	}
	return levelStandard
}

type levelContainer struct {
	Standard    Level
	Important   Level
	MustNotMiss Level
}
