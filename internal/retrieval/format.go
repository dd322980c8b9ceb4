package retrieval

import (
	"fmt"
	"strings"

	"github.com/floegence/lorekeeper/internal/world"
)

// FormatContext renders chunks as the grounding block of a generation prompt.
func FormatContext(pool world.Pool, chunks []Chunk) string {
	if len(chunks) == 0 {
		if pool == world.PoolRules {
			return "No relevant rules found."
		}
		return "No relevant lore found."
	}
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] (%s %s)\n%s", i+1, c.EntityType, c.EntityID, strings.TrimSpace(c.Text))
	}
	return sb.String()
}
