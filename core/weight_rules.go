package core

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// WeightRule rewrites the base weight of every edge matching When. Rules are
// map metadata (street-class discounts, closures priced up, and so on); the
// router only ever sees the resulting weights.
type WeightRule struct {
	Name string `json:"name"`
	// When is a boolean expression over the edge, e.g.
	// `id startsWith "SEG_ST"`.
	When string `json:"when"`
	// Weight is a numeric expression producing the new weight, e.g.
	// `weight * 0.9`.
	Weight string `json:"weight"`
}

// ruleEnv is the variable set visible to rule expressions.
type ruleEnv struct {
	ID            string  `expr:"id"`
	From          string  `expr:"from"`
	To            string  `expr:"to"`
	Weight        float64 `expr:"weight"`
	Length        float64 `expr:"length"`
	Bidirectional bool    `expr:"bidirectional"`
}

type compiledRule struct {
	name   string
	when   *vm.Program
	weight *vm.Program
}

func compileRules(rules []WeightRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
		}
		if r.Weight == "" {
			return nil, fmt.Errorf("weight rule %s: weight expression is required", name)
		}
		cr := compiledRule{name: name}
		if r.When != "" {
			prog, err := expr.Compile(r.When, expr.Env(ruleEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("weight rule %s: compile when: %w", name, err)
			}
			cr.when = prog
		}
		prog, err := expr.Compile(r.Weight, expr.Env(ruleEnv{}), expr.AsFloat64())
		if err != nil {
			return nil, fmt.Errorf("weight rule %s: compile weight: %w", name, err)
		}
		cr.weight = prog
		out = append(out, cr)
	}
	return out, nil
}

// apply runs the rules in order; each matching rule sees the weight left by
// the previous one. It returns the final weight and the names of the rules
// that fired.
func applyRules(rules []compiledRule, env ruleEnv) (float64, []string, error) {
	var fired []string
	for _, r := range rules {
		if r.when != nil {
			ok, err := expr.Run(r.when, env)
			if err != nil {
				return 0, nil, fmt.Errorf("weight rule %s on %q: %w", r.name, env.ID, err)
			}
			if match, _ := ok.(bool); !match {
				continue
			}
		}
		out, err := expr.Run(r.weight, env)
		if err != nil {
			return 0, nil, fmt.Errorf("weight rule %s on %q: %w", r.name, env.ID, err)
		}
		w, ok := out.(float64)
		if !ok || !(w > 0) {
			return 0, nil, fmt.Errorf("weight rule %s on %q: produced non-positive weight %v", r.name, env.ID, out)
		}
		env.Weight = w
		fired = append(fired, r.name)
	}
	return env.Weight, fired, nil
}
