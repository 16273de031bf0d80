package pipeline

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"nestwrite/internal/schema"
)

type fieldRules struct {
	validate  *vm.Program
	transform *vm.Program
}

// Rules evaluates the validate and transform expressions declared on schema
// fields. Expressions see value, field, model and op.
type Rules struct {
	programs map[string]fieldRules
}

// NewRules compiles every field expression in reg.
func NewRules(reg *schema.Registry) (*Rules, error) {
	r := &Rules{programs: make(map[string]fieldRules)}
	for _, m := range reg.Models() {
		for _, f := range m.Fields {
			if f.Validate == "" && f.Transform == "" {
				continue
			}
			var compiled fieldRules
			if f.Validate != "" {
				prog, err := expr.Compile(f.Validate, expr.AsBool())
				if err != nil {
					return nil, fmt.Errorf("compile validate rule for %s.%s: %w", m.Name, f.Name, err)
				}
				compiled.validate = prog
			}
			if f.Transform != "" {
				prog, err := expr.Compile(f.Transform)
				if err != nil {
					return nil, fmt.Errorf("compile transform rule for %s.%s: %w", m.Name, f.Name, err)
				}
				compiled.transform = prog
			}
			r.programs[ruleKey(m.Name, f.Name)] = compiled
		}
	}
	return r, nil
}

// Len returns the number of fields carrying rules.
func (r *Rules) Len() int {
	return len(r.programs)
}

// Apply runs the transform first and validates the result. Null values are
// not evaluated.
func (r *Rules) Apply(_ context.Context, f Field) (any, error) {
	rules, ok := r.programs[ruleKey(f.Model.Name, f.Field.Name)]
	if !ok || f.Value == nil {
		return f.Value, nil
	}

	value := f.Value
	if rules.transform != nil {
		out, err := expr.Run(rules.transform, env(f, value))
		if err != nil {
			return nil, invalid(f, "transform failed: %v", err)
		}
		value = out
	}
	if rules.validate != nil {
		out, err := expr.Run(rules.validate, env(f, value))
		if err != nil {
			return nil, invalid(f, "validation failed: %v", err)
		}
		if ok, _ := out.(bool); !ok {
			return nil, invalid(f, "value rejected by rule %q", f.Field.Validate)
		}
	}
	return value, nil
}

func env(f Field, value any) map[string]any {
	return map[string]any{
		"value": value,
		"field": f.Field.Name,
		"model": f.Model.Name,
		"op":    string(f.Op),
	}
}

func ruleKey(model, field string) string {
	return model + "." + field
}
