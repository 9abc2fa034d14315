package reconcile

import (
	"strings"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
)

// Contribution is one decoded oracle result. In multi-call mode Document is
// the document the call was made for; in single-call mode it is nil and
// Attribution may name, per field key, the document the oracle cited.
type Contribution struct {
	Document    *model.SourceDocument
	Fields      map[string]any
	Attribution map[string]string
}

// Engine merges contributions for one phase.
type Engine struct {
	reg    *registry.Registry
	policy registry.Policy
}

// NewEngine creates an Engine over a phase registry and confidence policy.
func NewEngine(reg *registry.Registry, policy registry.Policy) *Engine {
	return &Engine{reg: reg, policy: policy}
}

// Registry returns the field table the engine merges with.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Policy returns the confidence table.
func (e *Engine) Policy() registry.Policy {
	return e.policy
}

// Merge folds per-document contributions in sequence order. Contributions
// must already be ordered base documents first, annexes last by date.
func (e *Engine) Merge(contributions []Contribution) *Record {
	rec := NewRecord(e.reg.Phase, MultiCall)
	conf := e.policy.For(e.reg.Phase)

	for i := range e.reg.Fields {
		f := &e.reg.Fields[i]
		var res *Resolved
		switch f.Strategy {
		case registry.List:
			res = mergeList(f.Key, contributions)
			if res != nil {
				res.Confidence = conf.List
			}
		case registry.Composite:
			res = mergeComposite(f.Key, contributions)
			if res != nil {
				res.Confidence = conf.MultiCall
				for _, el := range res.Elements {
					if el.Annex {
						res.Confidence = conf.MultiCallAnnex
						break
					}
				}
			}
		default:
			res = mergeScalar(f.Key, contributions)
			if res != nil {
				res.Confidence = conf.MultiCall
				if res.Annex {
					res.Confidence = conf.MultiCallAnnex
				}
			}
		}
		if res != nil {
			res.Origin = model.OriginAI
			rec.Fields[f.Key] = res
		}
	}
	return rec
}

// mergeScalar keeps the first non-null claim; an annex claim replaces
// whatever came before it.
func mergeScalar(key string, contributions []Contribution) *Resolved {
	var cur *Resolved
	for _, c := range contributions {
		v := c.Fields[key]
		if v == nil {
			continue
		}
		src := attributionOf(c.Document)
		if cur == nil || src.Annex {
			cur = &Resolved{Value: v, Attribution: src}
		}
	}
	return cur
}

// mergeList unions string lists by exact equality in first-seen order.
func mergeList(key string, contributions []Contribution) *Resolved {
	var (
		out   []string
		elems []Attribution
		seen  = make(map[string]bool)
	)
	for _, c := range contributions {
		items, _ := c.Fields[key].([]string)
		for _, it := range items {
			if seen[it] {
				continue
			}
			seen[it] = true
			out = append(out, it)
			elems = append(elems, attributionOf(c.Document))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Resolved{Value: out, Elements: elems, Attribution: firstAttribution(elems)}
}

// mergeComposite concatenates records and drops exact structural duplicates.
// Similar but distinct records stay separate.
func mergeComposite(key string, contributions []Contribution) *Resolved {
	var (
		out   []map[string]any
		elems []Attribution
		seen  = make(map[string]bool)
	)
	for _, c := range contributions {
		records, _ := c.Fields[key].([]map[string]any)
		for _, r := range records {
			id := canonical(r)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, r)
			elems = append(elems, attributionOf(c.Document))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &Resolved{Value: out, Elements: elems, Attribution: firstAttribution(elems)}
}

func firstAttribution(elems []Attribution) Attribution {
	if len(elems) == 0 {
		return Attribution{}
	}
	return elems[0]
}

// Adopt turns a single-call contribution into a record. Field attributions
// cited by the oracle are resolved against docs; unattributed fields fall
// back to primary.
func (e *Engine) Adopt(c Contribution, docs []model.SourceDocument, primary *model.SourceDocument) *Record {
	rec := NewRecord(e.reg.Phase, SingleCall)
	conf := e.policy.For(e.reg.Phase)
	fallback := attributionOf(primary)

	for i := range e.reg.Fields {
		f := &e.reg.Fields[i]
		v := c.Fields[f.Key]
		if v == nil {
			continue
		}
		src := fallback
		if cited := c.Attribution[f.Key]; cited != "" {
			if d := ResolveDocument(cited, docs); d != nil {
				src = attributionOf(d)
			}
		}
		res := &Resolved{Value: v, Attribution: src, Origin: model.OriginAI, Confidence: conf.SingleCall}
		switch f.Strategy {
		case registry.List:
			res.Confidence = conf.List
			res.Elements = repeat(src, lenOf(v))
		case registry.Composite:
			res.Elements = repeat(src, lenOf(v))
		}
		rec.Fields[f.Key] = res
	}
	return rec
}

// ResolveDocument finds the document an oracle citation refers to. A bare
// type label such as "CPS" or "ANNEXE" names the last document of that type;
// anything else is matched against filenames.
func ResolveDocument(cited string, docs []model.SourceDocument) *model.SourceDocument {
	needle := strings.ToLower(strings.TrimSpace(cited))
	if needle == "" {
		return nil
	}

	var labelled *model.SourceDocument
	for i := range docs {
		if strings.EqualFold(docs[i].Type.Label(), needle) {
			labelled = &docs[i]
		}
	}
	if labelled != nil {
		return labelled
	}

	for i := range docs {
		name := strings.ToLower(docs[i].Filename)
		if name == "" {
			continue
		}
		if strings.Contains(name, needle) || strings.Contains(needle, name) {
			return &docs[i]
		}
	}
	return nil
}

func repeat(a Attribution, n int) []Attribution {
	out := make([]Attribution, n)
	for i := range out {
		out[i] = a
	}
	return out
}

func lenOf(v any) int {
	switch t := v.(type) {
	case []string:
		return len(t)
	case []map[string]any:
		return len(t)
	}
	return 0
}
