package generation

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/lorekeeper/internal/world"
)

// ParseResponse validates raw model output against the narration/log_updates contract.
//
// Notes:
//   - A fenced ```json block is unwrapped before validation.
//   - Any structural violation degrades the whole response to raw narration.
//   - An update naming an unknown entity type is dropped on its own with a warning.
func ParseResponse(raw string) Result {
	body := unwrapFence(raw)
	if strings.TrimSpace(body) == "" {
		return DegradedResult{Narration: strings.TrimSpace(raw), Reason: "empty response"}
	}
	if !gjson.Valid(body) {
		return DegradedResult{Narration: strings.TrimSpace(raw), Reason: "response is not valid json"}
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return DegradedResult{Narration: strings.TrimSpace(raw), Reason: "response is not a json object"}
	}
	narration := root.Get("narration")
	if narration.Type != gjson.String {
		return DegradedResult{Narration: strings.TrimSpace(raw), Reason: "narration missing or not a string"}
	}
	updatesRaw := root.Get("log_updates")
	if !updatesRaw.IsArray() {
		return DegradedResult{Narration: strings.TrimSpace(raw), Reason: "log_updates missing or not an array"}
	}

	updates, warnings, err := parseLogUpdates(updatesRaw)
	if err != nil {
		return DegradedResult{Narration: strings.TrimSpace(raw), Reason: err.Error()}
	}
	return StructuredResult{Narration: narration.Str, LogUpdates: updates, Warnings: warnings}
}

func parseLogUpdates(arr gjson.Result) ([]LogUpdate, []Warning, error) {
	items := arr.Array()
	updates := make([]LogUpdate, 0, len(items))
	var warnings []Warning
	for i, item := range items {
		if !item.IsObject() {
			return nil, nil, fmt.Errorf("log_updates[%d] is not an object", i)
		}
		op := item.Get("operation")
		if op.Type != gjson.String || !Operation(strings.ToLower(strings.TrimSpace(op.Str))).Valid() {
			return nil, nil, fmt.Errorf("log_updates[%d].operation invalid", i)
		}
		typ := item.Get("type")
		if typ.Type != gjson.String || strings.TrimSpace(typ.Str) == "" {
			return nil, nil, fmt.Errorf("log_updates[%d].type missing", i)
		}
		id := item.Get("id")
		if id.Exists() && id.Type != gjson.String && id.Type != gjson.Null {
			return nil, nil, fmt.Errorf("log_updates[%d].id is not a string", i)
		}
		fields := item.Get("fields")
		if fields.Exists() && !fields.IsObject() && fields.Type != gjson.Null {
			return nil, nil, fmt.Errorf("log_updates[%d].fields is not an object", i)
		}

		et, ok := world.ParseEntityType(typ.Str)
		if !ok {
			warnings = append(warnings, Warning{
				Kind:    WarningUnknownUpdateTarget,
				Message: fmt.Sprintf("log_updates[%d]: unknown entity type %q", i, typ.Str),
			})
			continue
		}
		u := LogUpdate{
			Operation:  Operation(strings.ToLower(strings.TrimSpace(op.Str))),
			EntityType: et,
			EntityID:   strings.TrimSpace(id.Str),
		}
		if fields.IsObject() {
			if m, ok := fields.Value().(map[string]any); ok && len(m) > 0 {
				u.Fields = m
			}
		}
		updates = append(updates, u)
	}
	return updates, warnings, nil
}

// ParseConflictAnalysis validates a conflict analysis response. Resolutions carry log
// updates under the same rules as turn responses; unknown targets are dropped.
func ParseConflictAnalysis(raw string) (ConflictAnalysis, error) {
	body := unwrapFence(raw)
	if !gjson.Valid(body) {
		return ConflictAnalysis{}, fmt.Errorf("%w: not valid json", ErrMalformedAnalysis)
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return ConflictAnalysis{}, fmt.Errorf("%w: not a json object", ErrMalformedAnalysis)
	}
	conflict := root.Get("conflict")
	if !conflict.IsBool() {
		return ConflictAnalysis{}, fmt.Errorf("%w: conflict missing or not a boolean", ErrMalformedAnalysis)
	}
	summary := root.Get("summary")
	if summary.Exists() && summary.Type != gjson.String {
		return ConflictAnalysis{}, fmt.Errorf("%w: summary is not a string", ErrMalformedAnalysis)
	}
	out := ConflictAnalysis{Conflict: conflict.Bool(), Summary: strings.TrimSpace(summary.Str)}

	resolutions := root.Get("resolutions")
	if resolutions.Exists() && resolutions.Type != gjson.Null {
		if !resolutions.IsArray() {
			return ConflictAnalysis{}, fmt.Errorf("%w: resolutions is not an array", ErrMalformedAnalysis)
		}
		for i, item := range resolutions.Array() {
			label := strings.TrimSpace(item.Get("label").Str)
			if !item.IsObject() || label == "" {
				return ConflictAnalysis{}, fmt.Errorf("%w: resolutions[%d] needs a label", ErrMalformedAnalysis, i)
			}
			r := Resolution{Label: label, Description: strings.TrimSpace(item.Get("description").Str)}
			if lu := item.Get("log_updates"); lu.Exists() {
				if !lu.IsArray() {
					return ConflictAnalysis{}, fmt.Errorf("%w: resolutions[%d].log_updates is not an array", ErrMalformedAnalysis, i)
				}
				updates, _, err := parseLogUpdates(lu)
				if err != nil {
					return ConflictAnalysis{}, fmt.Errorf("%w: resolutions[%d]: %v", ErrMalformedAnalysis, i, err)
				}
				r.LogUpdates = updates
			}
			out.Resolutions = append(out.Resolutions, r)
		}
	}
	if out.Conflict && len(out.Resolutions) == 0 {
		return ConflictAnalysis{}, fmt.Errorf("%w: conflict reported without resolutions", ErrMalformedAnalysis)
	}
	return out, nil
}

func unwrapFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
