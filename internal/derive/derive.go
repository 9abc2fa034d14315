// Package derive computes secondary values from resolved fields. A value is
// computed only when every operand is present and numeric; otherwise it is
// null. Nothing here returns an error.
package derive

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/reconcile"
	"github.com/sells-group/tender-cli/internal/registry"
)

// Rule computes Target = Base × Percent ÷ 100 for every element of a
// composite field.
type Rule struct {
	Composite string
	Target    string
	Base      string
	Percent   string
}

// GuaranteeRule derives each lot's definitive guarantee amount.
var GuaranteeRule = Rule{
	Composite: registry.KeyLots,
	Target:    registry.LotGuaranteeValue,
	Base:      registry.LotEstimatedValue,
	Percent:   registry.LotGuaranteePercentage,
}

// Percentage returns base × pct ÷ 100, or nil when either operand is absent
// or not numeric, or when the product overflows.
func Percentage(base, pct any) *float64 {
	b, ok := Number(base)
	if !ok {
		return nil
	}
	p, ok := Number(pct)
	if !ok {
		return nil
	}
	v := b * p / 100
	if !finite(v) {
		return nil
	}
	return &v
}

// Number parses a JSON number or a numeric string. NaN and infinities are
// not numbers here.
func Number(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, false
	}
	return f, err == nil && finite(f)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Apply evaluates each rule against the record and stores the result (or
// null) in every element. It returns how many values were computed.
func Apply(rec *reconcile.Record, rules ...Rule) int {
	computed := 0
	for _, r := range rules {
		res := rec.Get(r.Composite)
		if res == nil {
			continue
		}
		elems, ok := res.Value.([]map[string]any)
		if !ok {
			continue
		}
		for i, el := range elems {
			v := Percentage(el[r.Base], el[r.Percent])
			if v == nil {
				el[r.Target] = nil
				if el[r.Base] != nil && el[r.Percent] != nil {
					zap.L().Debug("derive: operand not numeric",
						zap.String("target", r.Target),
						zap.Int("element", i),
						zap.Any("base", el[r.Base]),
						zap.Any("percent", el[r.Percent]),
					)
				}
				continue
			}
			el[r.Target] = *v
			computed++
		}
	}
	return computed
}
