package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
)

// Decoded is a reply coerced onto a registry: values keyed by field key,
// the cited source per key when the reply attributed one, and the fields
// that had to be nulled.
type Decoded struct {
	Fields      map[string]any
	Attribution map[string]string
	Issues      []string
	// Matched counts registry keys present in the reply, null or not.
	Matched int
}

// Decode walks the registry over a decoded reply. Missing fields are null.
// Scalars accept either a plain value or {"value": v, "source_document": s}.
// Text and date values are strings; numbers are kept as json.Number or the
// verbatim string. Lists become []string and composites []map[string]any
// with every child key present. Derived values are dropped.
func Decode(reg *registry.Registry, obj map[string]any) Decoded {
	d := Decoded{Fields: make(map[string]any), Attribution: make(map[string]string)}
	for i := range reg.Fields {
		f := &reg.Fields[i]
		raw, ok := lookup(obj, f.Key)
		if !ok {
			continue
		}
		d.Matched++
		raw, cited := unwrap(raw)
		v, issue := coerce(f, raw)
		if issue != "" {
			d.Issues = append(d.Issues, f.Key+": "+issue)
		}
		if v == nil {
			continue
		}
		d.Fields[f.Key] = v
		if cited != "" {
			d.Attribution[f.Key] = cited
		}
	}
	return d
}

func lookup(obj map[string]any, key string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(key, ".") {
		parent, _ := unwrap(cur)
		m, ok := parent.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// unwrap splits an attributed value into the value and the cited source.
func unwrap(v any) (any, string) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, ""
	}
	inner, has := m["value"]
	if !has {
		return v, ""
	}
	src, _ := m["source_document"].(string)
	return inner, strings.TrimSpace(src)
}

func coerce(f *registry.Field, v any) (any, string) {
	if isNull(v) {
		return nil, ""
	}
	if f.Derived {
		return nil, ""
	}
	switch f.Strategy {
	case registry.List:
		return coerceList(v)
	case registry.Composite:
		return coerceComposite(f, v)
	}

	s, issue := scalar(v, f.Type == model.ValueNumber)
	if issue != "" {
		return nil, issue
	}
	if s == nil {
		return nil, ""
	}
	if str, ok := s.(string); ok && !f.Allows(str) {
		return nil, fmt.Sprintf("%q not in %v", str, f.Enum)
	}
	return s, ""
}

// scalar normalises a leaf value. Numbers stay json.Number for numeric
// fields and become their literal text otherwise.
func scalar(v any, numeric bool) (any, string) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		if isNull(t) {
			return nil, ""
		}
		return t, ""
	case json.Number:
		if numeric {
			return t, ""
		}
		return t.String(), ""
	case bool:
		return fmt.Sprint(t), ""
	case nil:
		return nil, ""
	}
	return nil, fmt.Sprintf("expected a scalar, got %T", v)
}

func coerceList(v any) (any, string) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Sprintf("expected a list, got %T", v)
	}
	var out []string
	for _, it := range items {
		s, _ := scalar(it, false)
		if str, ok := s.(string); ok {
			out = append(out, str)
		}
	}
	if len(out) == 0 {
		return nil, ""
	}
	return out, ""
}

func coerceComposite(f *registry.Field, v any) (any, string) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Sprintf("expected a list of records, got %T", v)
	}
	var (
		out    []map[string]any
		issues []string
	)
	for n, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("element %d is %T", n, it))
			continue
		}
		rec := make(map[string]any, len(f.Children))
		for i := range f.Children {
			c := &f.Children[i]
			val, _ := unwrap(m[c.Key])
			cv, issue := coerce(c, val)
			if issue != "" {
				issues = append(issues, fmt.Sprintf("element %d %s: %s", n, c.Key, issue))
			}
			rec[c.Key] = cv
		}
		out = append(out, rec)
	}
	var issue string
	if len(issues) > 0 {
		issue = strings.Join(issues, "; ")
	}
	if len(out) == 0 {
		return nil, issue
	}
	return out, issue
}

func isNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "" || s == "null" || s == "none" || s == "n/a"
	}
	return false
}
