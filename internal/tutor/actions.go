package tutor

import (
	"strings"

	"github.com/ashureev/lectura-tutor/internal/lexicon"
)

// NormalizeAction maps UI action names, Spanish or English, to an ActionKind.
// Unknown names are returned lowercased so they fall through to the default
// directive.
func NormalizeAction(name string) ActionKind {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "explain", "explicar", "explica":
		return ActionExplain
	case "summarize", "summary", "resumir", "resume", "resumen":
		return ActionSummarize
	case "deep", "deepen", "profundizar", "profundiza":
		return ActionDeep
	case "question", "ask", "preguntar", "pregunta":
		return ActionQuestion
	case "notes", "note", "nota", "notas":
		return ActionNotes
	default:
		return ActionKind(n)
	}
}

// ActionDirective returns the instruction for kind, or the default directive.
func ActionDirective(lx *lexicon.Lexicon, kind ActionKind) string {
	if d, ok := lx.Actions[string(kind)]; ok && d != "" {
		return d
	}
	return lx.Actions["default"]
}
