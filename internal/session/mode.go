package session

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is one of the closed set of operational modes a session can be in.
type Mode string

const (
	ModeMainMenu         Mode = "main_menu"
	ModeWorldArchitect   Mode = "world_architect"
	ModeDmStory          Mode = "dm_story"
	ModeRulesExplanation Mode = "rules_explanation"
	ModeTutorial         Mode = "tutorial"
	ModeWorldEdit        Mode = "world_edit"
)

// ErrInvalidTransition is returned for mode tokens outside the closed set.
var ErrInvalidTransition = errors.New("invalid mode transition")

var allModes = []Mode{
	ModeMainMenu,
	ModeWorldArchitect,
	ModeDmStory,
	ModeRulesExplanation,
	ModeTutorial,
	ModeWorldEdit,
}

// AllModes lists every mode in declaration order.
func AllModes() []Mode {
	return append([]Mode(nil), allModes...)
}

// ParseMode accepts the canonical token, the legacy "<name>_mode" form, and
// case/hyphen/space variants ("DM-Story", "world edit").
func ParseMode(token string) (Mode, error) {
	s := strings.ToLower(strings.TrimSpace(token))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	s = strings.TrimSuffix(s, "_mode")
	switch s {
	case "dmstory", "story":
		s = string(ModeDmStory)
	case "rules":
		s = string(ModeRulesExplanation)
	case "menu":
		s = string(ModeMainMenu)
	}
	for _, m := range allModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidTransition, token)
}

// Valid reports whether m is a member of the closed set.
func (m Mode) Valid() bool {
	for _, known := range allModes {
		if m == known {
			return true
		}
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}
