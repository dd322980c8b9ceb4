package generation

import (
	"strings"

	"github.com/floegence/lorekeeper/internal/session"
	"github.com/floegence/lorekeeper/internal/world"
)

type modeProfile struct {
	instructions string
	temperature  float64
}

var modeProfiles = map[session.Mode]modeProfile{
	session.ModeMainMenu: {
		instructions: "You are the host of a tabletop role-playing companion. Help the player choose or create a universe, campaign and party. Keep replies short.",
		temperature:  0.7,
	},
	session.ModeWorldArchitect: {
		instructions: "You are a world architect. Collaborate with the player to invent locations, characters, factions and events. " +
			"Stay consistent with the established lore in the context. Emit every new world element as a create log update.",
		temperature: 0.9,
	},
	session.ModeDmStory: {
		instructions: "You are the dungeon master. Narrate the consequences of the player's action in second person, grounded in the lore in the context. " +
			"Never contradict established facts. Record every change to the world as a log update. " +
			"When the party arrives somewhere, emit a reference log update on that location with fields {\"party_present\": true}.",
		temperature: 0.8,
	},
	session.ModeRulesExplanation: {
		instructions: "You explain game rules. Answer using only the rules in the context and say so when the context does not cover the question. " +
			"Rules questions never change the world, so log_updates is normally empty.",
		temperature: 0.7,
	},
	session.ModeTutorial: {
		instructions: "You are running an interactive tutorial. Teach one step at a time from the tutorial script and rules in the context. " +
			"When the player has completed the current step, emit a reference log update on the tutorial_script with fields {\"next_action\": \"proceed_to_next\"}.",
		temperature: 0.7,
	},
	session.ModeWorldEdit: {
		instructions: "You help the player propose edits to established lore. Describe what would change and which existing facts are affected.",
		temperature: 0.7,
	},
}

const responseSchemaHint = `Respond with a single JSON object and nothing else:
{"narration": string, "log_updates": [{"operation": "create"|"update"|"reference", "type": string, "id": string (optional for create), "fields": object}]}
Use an empty log_updates array when nothing in the world changes.`

const conflictInstructions = `You are the lore keeper. Compare the proposed change against the established lore in the context.
Decide whether it contradicts any established fact. If it does, offer named resolutions that reconcile the proposal with the lore.
Every resolution lists the log updates that would apply it.`

const conflictSchemaHint = `Respond with a single JSON object and nothing else:
{"conflict": boolean, "summary": string, "resolutions": [{"label": string, "description": string, "log_updates": [{"operation": "create"|"update"|"reference", "type": string, "id": string, "fields": object}]}]}
When there is no conflict, return one resolution labelled "apply" that applies the proposal as stated.`

func profileFor(m session.Mode) modeProfile {
	if p, ok := modeProfiles[m]; ok {
		return p
	}
	return modeProfiles[session.ModeMainMenu]
}

func entityTypeList() string {
	types := world.KnownTypes()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func schemaHint() string {
	return responseSchemaHint + "\nKnown entity types: " + entityTypeList() + "."
}
