// Package assistant – prompt.go assembles the system prompt for a run.
package assistant

import (
	"fmt"
	"strings"

	"github.com/raffenmb/buddy-sub000/pkg/assistant/memory"
)

const basePrompt = `You are %s, a personal assistant.

%s

Guidelines:
- Keep spoken replies short; put anything long or structured on the canvas.
- Use memory tools to keep track of facts about the user.
- Shell and file tools operate on the user's machine; be careful and prefer
  the workspace directory.
- Never invent tool results. If a tool fails, say so.`

// buildSystemPrompt combines the agent persona, remembered facts and the
// current canvas snapshot.
func buildSystemPrompt(agent *Agent, facts []memory.Fact, canvas []CanvasElement) string {
	persona := agent.Personality
	if persona == "" {
		persona = "You are helpful, direct and concise."
	}

	var b strings.Builder
	fmt.Fprintf(&b, basePrompt, agent.Name, persona)

	if len(facts) > 0 {
		b.WriteString("\n\nThings you remember about this user:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
	}

	if len(canvas) > 0 {
		fmt.Fprintf(&b, "\nThe canvas currently shows %d element(s):\n", len(canvas))
		for _, el := range canvas {
			fmt.Fprintf(&b, "- %s\n", el.Command)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
