// Package classify labels procurement documents by the keywords on their
// first page. Filenames are never consulted.
package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/tender-cli/internal/model"
)

// DefaultFirstPage is the number of leading runes inspected.
const DefaultFirstPage = 3000

// Rule maps a document type to the keywords that identify it.
type Rule struct {
	Type     model.DocumentType
	Keywords []string
}

// DefaultRules is scanned in order; the first rule with a matching keyword
// wins. Keywords are written folded: lower case, no diacritics, straight
// apostrophes.
var DefaultRules = []Rule{
	{Type: model.DocumentNotice, Keywords: []string{
		"avis d'appel d'offres",
		"avis d'appel a la concurrence",
		"avis de consultation",
		"avis de marche",
	}},
	{Type: model.DocumentRegulation, Keywords: []string{
		"reglement de consultation",
		"reglement de la consultation",
		"reglement du concours",
	}},
	{Type: model.DocumentSpecialConditions, Keywords: []string{
		"cahier des prescriptions speciales",
		"cahier des clauses administratives",
		"cahier des charges",
		"c.p.s",
	}},
	{Type: model.DocumentAnnex, Keywords: []string{
		"avenant",
		"additif",
		"rectificatif",
		"modificatif",
		"annexe",
	}},
}

// Classifier assigns a DocumentType from document text.
type Classifier struct {
	rules     []Rule
	firstPage int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithFirstPage overrides the number of leading runes inspected.
func WithFirstPage(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.firstPage = n
		}
	}
}

// WithRules replaces the keyword table. Keywords are folded on the way in.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = foldRules(rules)
	}
}

// New creates a Classifier with the default keyword table.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		rules:     foldRules(DefaultRules),
		firstPage: DefaultFirstPage,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FirstPage returns the configured leading slice length.
func (c *Classifier) FirstPage() int {
	return c.firstPage
}

// Classify returns the type of the first rule matching the first page of
// text, or DocumentUnknown.
func (c *Classifier) Classify(text string) model.DocumentType {
	doc := model.SourceDocument{Text: text}
	page := Fold(doc.FirstPage(c.firstPage))
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(page, kw) {
				return r.Type
			}
		}
	}
	return model.DocumentUnknown
}

// ClassifyAll sets Type on each document from its text. The input slice is
// not modified.
func (c *Classifier) ClassifyAll(docs []model.SourceDocument) []model.SourceDocument {
	out := make([]model.SourceDocument, len(docs))
	for i, d := range docs {
		d.Type = c.Classify(d.Text)
		out[i] = d
	}
	return out
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")

// Fold lower-cases s, strips combining marks and straightens apostrophes so
// "RÈGLEMENT" and "règlement" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return apostrophes.Replace(cases.Fold().String(stripped))
}

func foldRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = Fold(kw)
		}
		out[i] = Rule{Type: r.Type, Keywords: kws}
	}
	return out
}
