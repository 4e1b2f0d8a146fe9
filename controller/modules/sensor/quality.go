package sensor

import (
	"fmt"
	"log"

	"github.com/Knetic/govaluate"

	"github.com/reef-pi/watervend/controller/settings"
)

// Rule decides whether a reading is safe to sell. Expressions see the
// variables ph, tds and water_level.
type Rule struct {
	text string
	expr *govaluate.EvaluableExpression
}

func NewRule(text string) (*Rule, error) {
	expr, err := govaluate.NewEvaluableExpression(text)
	if err != nil {
		return nil, fmt.Errorf("quality rule %q: %w", text, err)
	}
	return &Rule{text: text, expr: expr}, nil
}

// ruleOrDefault falls back to the stock rule when text does not parse.
func ruleOrDefault(text string) *Rule {
	if text != "" {
		r, err := NewRule(text)
		if err == nil {
			return r
		}
		log.Println("ERROR: sensor:", err, "- using default rule")
	}
	r, _ := NewRule(settings.DefaultQualityRule)
	return r
}

func (r *Rule) String() string { return r.text }

func (r *Rule) Safe(rd Reading) (bool, error) {
	res, err := r.expr.Evaluate(map[string]interface{}{
		"ph":          rd.PH,
		"tds":         rd.TDS,
		"water_level": rd.WaterLevel,
	})
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("quality rule %q evaluated to %v, not a boolean", r.text, res)
	}
	return b, nil
}
