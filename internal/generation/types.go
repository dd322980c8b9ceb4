package generation

import (
	"errors"

	"github.com/floegence/lorekeeper/internal/world"
)

var (
	// ErrTransportFailure covers backend errors and timeouts. The turn is aborted.
	ErrTransportFailure = errors.New("generation transport failure")
	// ErrMalformedAnalysis is returned when a conflict analysis response does not parse.
	ErrMalformedAnalysis = errors.New("malformed conflict analysis")
)

// Operation is the kind of change a log update asks for.
type Operation string

const (
	OperationCreate    Operation = "create"
	OperationUpdate    Operation = "update"
	OperationReference Operation = "reference"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationReference:
		return true
	default:
		return false
	}
}

// LogUpdate is one structured world-state change proposed by the model.
type LogUpdate struct {
	Operation  Operation        `json:"operation"`
	EntityType world.EntityType `json:"type"`
	EntityID   string           `json:"id,omitempty"`
	Fields     map[string]any   `json:"fields,omitempty"`
}

// WarningKind classifies a non-fatal generation problem.
type WarningKind string

const (
	WarningUnknownUpdateTarget WarningKind = "unknown_update_target"
	WarningDegradedResponse    WarningKind = "degraded_response"
)

type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// Result is the parsed form of one raw backend response: exactly one of
// StructuredResult or DegradedResult.
type Result interface {
	isResult()
}

// StructuredResult is a response that satisfied the two-field contract.
type StructuredResult struct {
	Narration  string
	LogUpdates []LogUpdate
	Warnings   []Warning
}

// DegradedResult carries the raw text of a response that failed validation.
type DegradedResult struct {
	Narration string
	Reason    string
}

func (StructuredResult) isResult() {}
func (DegradedResult) isResult()   {}

// Outcome is what a mode handler consumes. It is derived from exactly one backend call.
type Outcome struct {
	Narration string      `json:"narration"`
	Updates   []LogUpdate `json:"log_updates"`
	Degraded  bool        `json:"degraded"`
	Warnings  []Warning   `json:"warnings,omitempty"`
}

// OutcomeOf flattens a Result.
func OutcomeOf(r Result) Outcome {
	switch v := r.(type) {
	case StructuredResult:
		return Outcome{Narration: v.Narration, Updates: v.LogUpdates, Warnings: v.Warnings}
	case DegradedResult:
		return Outcome{
			Narration: v.Narration,
			Degraded:  true,
			Warnings:  []Warning{{Kind: WarningDegradedResponse, Message: v.Reason}},
		}
	default:
		return Outcome{Degraded: true}
	}
}

// ConflictAnalysis is the structured verdict on a world change proposal.
type ConflictAnalysis struct {
	Conflict    bool         `json:"conflict"`
	Summary     string       `json:"summary"`
	Resolutions []Resolution `json:"resolutions"`
}

// Resolution is one named way to reconcile a proposal with established lore.
type Resolution struct {
	Label       string      `json:"label"`
	Description string      `json:"description"`
	LogUpdates  []LogUpdate `json:"log_updates"`
}
