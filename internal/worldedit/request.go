package worldedit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/lorekeeper/internal/applier"
	"github.com/floegence/lorekeeper/internal/generation"
	"github.com/floegence/lorekeeper/internal/lorestore"
)

// Status is the lifecycle position of a change request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnalyzed Status = "analyzed"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// canTransition encodes Pending -> Analyzed -> {Resolved | Rejected}. Pending ->
// Pending is the analysis retry path.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAnalyzed
	case StatusAnalyzed:
		return to == StatusResolved || to == StatusRejected
	default:
		return false
	}
}

// Decision is the human disposition of an analyzed request.
type Decision struct {
	// Choice is the resolution label that was selected. Empty for a pass-through or a
	// rejection.
	Choice     string                 `json:"choice,omitempty"`
	Resolution *generation.Resolution `json:"resolution,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	DeciderID  string                 `json:"decider_id,omitempty"`
}

// ChangeRequest is a proposed world edit and everything decided about it.
type ChangeRequest struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id,omitempty"`
	ProposerID string `json:"proposer_id,omitempty"`
	UniverseID string `json:"universe_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	Proposal   string `json:"proposal"`
	Status     Status `json:"status"`

	Analysis *generation.ConflictAnalysis `json:"analysis,omitempty"`
	Decision *Decision                    `json:"decision,omitempty"`
	Applied  *applier.Report              `json:"applied,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// Describe renders the request for the player: the analysis summary and the numbered
// candidate resolutions.
func (r ChangeRequest) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change request %s (%s)\n", r.ID, r.Status)
	fmt.Fprintf(&b, "Proposal: %s\n", r.Proposal)
	if r.Analysis == nil {
		b.WriteString("Analysis: not available yet.")
		return b.String()
	}
	if !r.Analysis.Conflict {
		fmt.Fprintf(&b, "No conflict with established lore. %s", strings.TrimSpace(r.Analysis.Summary))
		return strings.TrimSpace(b.String())
	}
	fmt.Fprintf(&b, "Conflict: %s\n", strings.TrimSpace(r.Analysis.Summary))
	for i, res := range r.Analysis.Resolutions {
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, res.Label, res.Description)
	}
	return strings.TrimSpace(b.String())
}

func toRecord(r ChangeRequest) (lorestore.ChangeRequestRecord, error) {
	rec := lorestore.ChangeRequestRecord{
		RequestID:       r.ID,
		SessionID:       r.SessionID,
		ProposerID:      r.ProposerID,
		UniverseID:      r.UniverseID,
		CampaignID:      r.CampaignID,
		Proposal:        r.Proposal,
		Status:          string(r.Status),
		CreatedAtUnixMs: r.CreatedAtUnixMs,
		UpdatedAtUnixMs: r.UpdatedAtUnixMs,
	}
	var err error
	if rec.AnalysisJSON, err = marshalOptional(r.Analysis); err != nil {
		return rec, fmt.Errorf("encode analysis: %w", err)
	}
	if rec.ResolutionJSON, err = marshalOptional(r.Decision); err != nil {
		return rec, fmt.Errorf("encode decision: %w", err)
	}
	if rec.AppliedJSON, err = marshalOptional(r.Applied); err != nil {
		return rec, fmt.Errorf("encode applied report: %w", err)
	}
	return rec, nil
}

func fromRecord(rec lorestore.ChangeRequestRecord) (ChangeRequest, error) {
	r := ChangeRequest{
		ID:              rec.RequestID,
		SessionID:       rec.SessionID,
		ProposerID:      rec.ProposerID,
		UniverseID:      rec.UniverseID,
		CampaignID:      rec.CampaignID,
		Proposal:        rec.Proposal,
		Status:          Status(rec.Status),
		CreatedAtUnixMs: rec.CreatedAtUnixMs,
		UpdatedAtUnixMs: rec.UpdatedAtUnixMs,
	}
	if s := strings.TrimSpace(rec.AnalysisJSON); s != "" {
		var a generation.ConflictAnalysis
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return r, fmt.Errorf("decode analysis of %s: %w", rec.RequestID, err)
		}
		r.Analysis = &a
	}
	if s := strings.TrimSpace(rec.ResolutionJSON); s != "" {
		var d Decision
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			return r, fmt.Errorf("decode decision of %s: %w", rec.RequestID, err)
		}
		r.Decision = &d
	}
	if s := strings.TrimSpace(rec.AppliedJSON); s != "" {
		var rep applier.Report
		if err := json.Unmarshal([]byte(s), &rep); err != nil {
			return r, fmt.Errorf("decode applied report of %s: %w", rec.RequestID, err)
		}
		r.Applied = &rep
	}
	return r, nil
}

func marshalOptional[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
