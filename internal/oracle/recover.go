package oracle

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractJSON recovers the JSON object from a model reply. Markdown fences
// and surrounding prose are dropped; the outermost {...} is decoded with
// numbers kept verbatim.
func ExtractJSON(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		s = body
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in reply")
	}

	dec := json.NewDecoder(strings.NewReader(s[start : end+1]))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, eris.Wrap(err, "decode reply")
	}
	return out, nil
}
