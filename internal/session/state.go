package session

import (
	"fmt"
	"strings"
)

// DefaultHistoryCapacity is the number of turns kept when no capacity is configured.
const DefaultHistoryCapacity = 10

// BindingKind names one of the scoping references a session can hold.
type BindingKind string

const (
	BindingUniverse BindingKind = "universe"
	BindingCampaign BindingKind = "campaign"
	BindingParty    BindingKind = "party"
)

func ParseBindingKind(raw string) (BindingKind, error) {
	switch BindingKind(strings.ToLower(strings.TrimSpace(raw))) {
	case BindingUniverse:
		return BindingUniverse, nil
	case BindingCampaign:
		return BindingCampaign, nil
	case BindingParty:
		return BindingParty, nil
	default:
		return "", fmt.Errorf("unknown binding %q", raw)
	}
}

// Bindings are the active universe/campaign/party references. Empty means absent.
type Bindings struct {
	UniverseID string `json:"universe_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	PartyID    string `json:"party_id,omitempty"`
}

func (b Bindings) Get(kind BindingKind) string {
	switch kind {
	case BindingUniverse:
		return b.UniverseID
	case BindingCampaign:
		return b.CampaignID
	case BindingParty:
		return b.PartyID
	default:
		return ""
	}
}

// Turn is one user input and the narration it produced. Immutable once appended.
type Turn struct {
	ID        string `json:"id"`
	Mode      Mode   `json:"mode"`
	Input     string `json:"input"`
	Narration string `json:"narration"`
	AtUnixMs  int64  `json:"at_unix_ms"`
}

// State is the full session snapshot.
type State struct {
	Mode        Mode     `json:"mode"`
	Bindings    Bindings `json:"bindings"`
	TurnCounter int      `json:"turn_counter"`
	History     []Turn   `json:"history"`

	// Mode-scoped scratch. Cleared when the owning mode is left.
	TutorialScriptID       string `json:"tutorial_script_id,omitempty"`
	TutorialStep           int    `json:"tutorial_step,omitempty"`
	PendingChangeRequestID string `json:"pending_change_request_id,omitempty"`

	CurrentLocationID string `json:"current_location_id,omitempty"`
}

func initialState() State {
	return State{Mode: ModeMainMenu}
}

func (s State) clone() State {
	out := s
	out.History = append([]Turn(nil), s.History...)
	return out
}
