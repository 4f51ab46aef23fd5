package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled history predicate. Expressions see each entry as
// an environment of name, id, timestamp, triggered_by, and the decoded
// payload, e.g. `name == "PHASE1_COMPLETE" && payload.attempt > 1`.
type Filter struct {
	program *vm.Program
	source  string
}

type filterEnv struct {
	Name        string    `expr:"name"`
	ID          string    `expr:"id"`
	Timestamp   time.Time `expr:"timestamp"`
	TriggeredBy string    `expr:"triggered_by"`
	Payload     any       `expr:"payload"`
}

// CompileFilter builds a Filter from an expression source.
func CompileFilter(source string) (*Filter, error) {
	program, err := expr.Compile(source, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("signal filter %q: %w", source, err)
	}
	return &Filter{program: program, source: source}, nil
}

// Match evaluates the predicate against one signal.
func (f *Filter) Match(sig *Signal) (bool, error) {
	env := filterEnv{
		Name:        sig.Name,
		ID:          sig.ID,
		Timestamp:   sig.Timestamp,
		TriggeredBy: sig.TriggeredBy,
	}
	if len(sig.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(sig.Payload, &payload); err == nil {
			env.Payload = payload
		}
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("signal filter %q: %w", f.source, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("signal filter %q: not a boolean", f.source)
	}
	return matched, nil
}
