package permission

import (
	"fmt"
	"strings"
)

// Level is an ordered capability tier. LevelNone means no access.
type Level int

const (
	LevelNone Level = iota
	LevelView
	LevelAdd
	LevelEdit
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelView:
		return "view"
	case LevelAdd:
		return "add"
	case LevelEdit:
		return "edit"
	case LevelFull:
		return "full"
	default:
		return "none"
	}
}

// AtLeast reports whether l grants everything required grants.
func (l Level) AtLeast(required Level) bool {
	return l >= required
}

func ParseLevel(value string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "":
		return LevelNone, nil
	case "view":
		return LevelView, nil
	case "add":
		return LevelAdd, nil
	case "edit":
		return LevelEdit, nil
	case "full":
		return LevelFull, nil
	default:
		return LevelNone, fmt.Errorf("unknown permission level %q", value)
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
