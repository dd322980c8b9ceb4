package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Machine owns one session's mode, bindings and turn history.
//
// Notes:
//   - It is not safe for concurrent use. Callers serialize access per session.
//   - Mode switches are total over the closed Mode set; only unknown tokens fail.
type Machine struct {
	state    State
	capacity int
}

// NewMachine returns a machine in the initial state: MainMenu, no bindings, empty history.
func NewMachine(historyCapacity int) *Machine {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &Machine{state: initialState(), capacity: historyCapacity}
}

// Restore returns a machine seeded from a persisted snapshot. History beyond capacity
// keeps only the newest turns; an unknown mode falls back to MainMenu.
func Restore(s State, historyCapacity int) *Machine {
	m := NewMachine(historyCapacity)
	m.state = s.clone()
	if !m.state.Mode.Valid() {
		m.state.Mode = ModeMainMenu
	}
	if m.state.TurnCounter < 0 {
		m.state.TurnCounter = 0
	}
	if n := len(m.state.History); n > m.capacity {
		m.state.History = append([]Turn(nil), m.state.History[n-m.capacity:]...)
	}
	return m
}

func (m *Machine) CurrentMode() Mode {
	return m.state.Mode
}

func (m *Machine) Capacity() int {
	return m.capacity
}

// SwitchMode replaces the current mode. Bindings, history and the turn counter survive.
func (m *Machine) SwitchMode(token string) (Mode, error) {
	target, err := ParseMode(token)
	if err != nil {
		return m.state.Mode, err
	}
	return m.switchTo(target), nil
}

// SwitchTo is SwitchMode for an already-typed mode.
func (m *Machine) SwitchTo(target Mode) (Mode, error) {
	if !target.Valid() {
		return m.state.Mode, fmt.Errorf("%w: unknown mode %q", ErrInvalidTransition, string(target))
	}
	return m.switchTo(target), nil
}

func (m *Machine) switchTo(target Mode) Mode {
	if target != ModeTutorial {
		m.state.TutorialScriptID = ""
		m.state.TutorialStep = 0
	}
	if target != ModeWorldEdit {
		m.state.PendingChangeRequestID = ""
	}
	m.state.Mode = target
	return target
}

// AppendTurn records a completed turn, evicting the oldest entry past capacity.
func (m *Machine) AppendTurn(t Turn) {
	m.state.History = append(m.state.History, t)
	if over := len(m.state.History) - m.capacity; over > 0 {
		m.state.History = append([]Turn(nil), m.state.History[over:]...)
	}
	m.state.TurnCounter++
}

// Reset returns to the initial state for a fresh session under the same identifier.
func (m *Machine) Reset() {
	m.state = initialState()
}

func (m *Machine) Bind(kind BindingKind, id string) error {
	id = strings.TrimSpace(id)
	switch kind {
	case BindingUniverse:
		if m.state.Bindings.UniverseID != id {
			// A campaign belongs to one universe; rebinding the universe drops it.
			m.state.Bindings.CampaignID = ""
		}
		m.state.Bindings.UniverseID = id
	case BindingCampaign:
		m.state.Bindings.CampaignID = id
	case BindingParty:
		m.state.Bindings.PartyID = id
	default:
		return fmt.Errorf("unknown binding %q", kind)
	}
	return nil
}

// Unbind clears one binding. Clearing the universe also clears the campaign.
func (m *Machine) Unbind(kind BindingKind) error {
	return m.Bind(kind, "")
}

func (m *Machine) Bindings() Bindings {
	return m.state.Bindings
}

func (m *Machine) TurnCounter() int {
	return m.state.TurnCounter
}

func (m *Machine) History() []Turn {
	return append([]Turn(nil), m.state.History...)
}

// Snapshot returns a deep copy of the current state.
func (m *Machine) Snapshot() State {
	return m.state.clone()
}

func (m *Machine) SetTutorial(scriptID string, step int) {
	m.state.TutorialScriptID = strings.TrimSpace(scriptID)
	if step < 0 {
		step = 0
	}
	m.state.TutorialStep = step
}

func (m *Machine) SetPendingChangeRequest(id string) {
	m.state.PendingChangeRequestID = strings.TrimSpace(id)
}

func (m *Machine) SetCurrentLocation(id string) {
	m.state.CurrentLocationID = strings.TrimSpace(id)
}

// FormatHistory renders recent turns for prompt context.
func (m *Machine) FormatHistory() string {
	if len(m.state.History) == 0 {
		return "No recent history."
	}
	lines := make([]string, 0, len(m.state.History)*2)
	n := 0
	for _, t := range m.state.History {
		if in := strings.TrimSpace(t.Input); in != "" {
			n++
			lines = append(lines, fmt.Sprintf("[%d] Player: %s", n, in))
		}
		if out := strings.TrimSpace(t.Narration); out != "" {
			n++
			lines = append(lines, fmt.Sprintf("[%d] DM: %s", n, out))
		}
	}
	return strings.Join(lines, "\n")
}

// MarshalState encodes a snapshot for the session store.
func MarshalState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a persisted snapshot. Legacy "<name>_mode" tokens are accepted;
// anything unrecognized becomes MainMenu.
func UnmarshalState(b []byte) (State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, err
	}
	mode, err := ParseMode(string(s.Mode))
	if err != nil {
		mode = ModeMainMenu
	}
	s.Mode = mode
	return s, nil
}
