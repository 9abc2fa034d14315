package oracle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/priority"
	"github.com/sells-group/tender-cli/internal/registry"
)

// Prompt is one oracle call.
type Prompt struct {
	Phase       model.Phase
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

const truncationMarker = "\n...[truncated]..."

const rules = `Extract information ONLY if it is explicitly written in the documents.
Never infer, estimate or translate a value. Use null when a value is absent.
Keep numbers and dates exactly as written except dates, which use YYYY-MM-DD,
and times, which use HH:MM.
Lots are distinct procurement units: list every lot separately and never merge
two lots.
Reply with a single JSON object matching the schema below and nothing else.`

const attributionRule = `For every scalar field, reply {"value": <value>, "source_document": "<filename>"}
naming the document the value was read from. When an annex (ANNEXE) changes a
value, use the annex value and cite the annex.`

// phaseParams holds per-phase call limits and the conflict order given to a
// single call over several documents.
var phaseParams = map[model.Phase]struct {
	maxTokens   int
	temperature float64
	intro       string
	precedence  string
}{
	model.PhaseListing: {
		maxTokens:   4000,
		temperature: 0.1,
		intro:       "You read public procurement notices and extract their listing metadata.",
		precedence:  precedenceRule(model.PhaseListing),
	},
	model.PhaseDeep: {
		maxTokens:   8000,
		temperature: 0,
		intro:       "You analyse complete public procurement files (CPS, RC, AVIS, annexes) and extract lot-level detail.",
		precedence:  precedenceRule(model.PhaseDeep),
	},
}

// precedenceRule states the phase's rank table, the order the multi-call
// merge applies, as prompt text.
func precedenceRule(phase model.Phase) string {
	ranks := priority.RanksFor(phase)
	types := make([]model.DocumentType, 0, len(ranks))
	for t := range ranks {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return ranks[types[i]] > ranks[types[j]] })

	labels := []string{"latest " + model.DocumentAnnex.Label()}
	for _, t := range types {
		labels = append(labels, t.Label())
	}
	return fmt.Sprintf(`When documents disagree on a value, apply this precedence, highest first:
%s.
Among several annexes the most recent one wins. A value missing from a higher
document is read from the next one down.
Documents are listed from highest to lowest authority, then annexes from
oldest to newest.`, strings.Join(labels, " > "))
}

// BuildPrompt renders documents, in the given order, into a prompt for the
// phase registry. attributed asks for per-field source citations; prior is
// an optional earlier snapshot shown before the documents.
func BuildPrompt(reg *registry.Registry, docs []model.SourceDocument, maxChars int, attributed bool, prior map[string]any) Prompt {
	p := phaseParams[reg.Phase]

	var sys strings.Builder
	sys.WriteString(p.intro)
	sys.WriteString("\n\n")
	sys.WriteString(rules)
	if attributed {
		sys.WriteString("\n")
		sys.WriteString(attributionRule)
		sys.WriteString("\n")
		sys.WriteString(p.precedence)
	}
	sys.WriteString("\n\nSchema:\n")
	schema, _ := json.MarshalIndent(skeleton(reg.Fields), "", "  ")
	sys.Write(schema)

	var user strings.Builder
	if len(prior) > 0 {
		if b, err := json.MarshalIndent(prior, "", "  "); err == nil {
			user.WriteString("Earlier listing analysis, for reference only:\n")
			user.Write(b)
			user.WriteString("\n\n")
		}
	}
	for i, d := range docs {
		if i > 0 {
			user.WriteString("\n\n")
		}
		fmt.Fprintf(&user, "[%s] %s\n", d.Type.Label(), d.Filename)
		user.WriteString(Truncate(d.Text, maxChars))
	}

	return Prompt{
		Phase:       reg.Phase,
		System:      sys.String(),
		User:        user.String(),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
}

// Truncate cuts text to limit runes and appends the truncation marker.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit]) + truncationMarker
}

// skeleton renders the expected reply shape from the registry.
func skeleton(fields []registry.Field) map[string]any {
	out := make(map[string]any)
	for i := range fields {
		f := &fields[i]
		if f.Derived {
			continue
		}
		var hint any
		switch {
		case f.Strategy == registry.Composite:
			hint = []any{skeleton(f.Children)}
		case f.Strategy == registry.List:
			hint = []string{"string"}
		case len(f.Enum) > 0:
			hint = strings.Join(f.Enum, "|") + "|null"
		case f.Type == model.ValueNumber:
			hint = "number|null"
		case f.Type == model.ValueDate:
			hint = "YYYY-MM-DD|null"
		default:
			hint = "string|null"
		}
		parts := strings.Split(f.Key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = hint
	}
	return out
}
