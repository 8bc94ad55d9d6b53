package sagaorch

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/fortressi/sagaorch/dag"
	"github.com/fortressi/sagaorch/set"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the saga definitions known to an orchestrator.
//
// Definitions are registered at startup, typically from configuration, and
// are read-only afterwards. A definition is validated when it is registered:
// every retried step must be idempotent and every step but the first must
// name a compensation. The compensation graph is built from the step order,
// so compensations always chain in its strict reverse.
type Registry struct {
	defs *xsync.MapOf[string, registered]
}

type registered struct {
	def   SagaDefinition
	graph *dag.Graph
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: xsync.NewMapOf[string, registered](),
	}
}

// Register validates def and adds it to the registry.
func (r *Registry) Register(def SagaDefinition) error {
	if _, ok := r.defs.Load(def.Type); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSagaType, def.Type)
	}
	def = cloneDefinition(def)
	g, err := validateDefinition(def)
	if err != nil {
		return err
	}
	if _, loaded := r.defs.LoadOrStore(def.Type, registered{def: def, graph: g}); loaded {
		return fmt.Errorf("%w: %q", ErrDuplicateSagaType, def.Type)
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def SagaDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered for sagaType.
func (r *Registry) Lookup(sagaType string) (SagaDefinition, error) {
	reg, ok := r.defs.Load(sagaType)
	if !ok {
		return SagaDefinition{}, fmt.Errorf("%w: %q", ErrUnknownSagaType, sagaType)
	}
	return cloneDefinition(reg.def), nil
}

// Types returns the registered saga types in lexical order.
func (r *Registry) Types() []string {
	var types []string
	r.defs.Range(func(key string, _ registered) bool {
		types = append(types, key)
		return true
	})
	sort.Strings(types)
	return types
}

// Graph returns the Graphviz rendering of a registered definition.
func (r *Registry) Graph(sagaType string) (string, error) {
	reg, ok := r.defs.Load(sagaType)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSagaType, sagaType)
	}
	return reg.graph.ExportToDot()
}

// CompensationOrder returns the steps of sagaType whose compensations run
// during a full rollback, in the order they run.
func (r *Registry) CompensationOrder(sagaType string) ([]string, error) {
	reg, ok := r.defs.Load(sagaType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSagaType, sagaType)
	}
	return reg.graph.CompensationOrder()
}

func cloneDefinition(def SagaDefinition) SagaDefinition {
	def.Steps = slices.Clone(def.Steps)
	return def
}

// Validate checks the fields of a single step.
func (s StepDefinition) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required),
		validation.Field(&s.Participant, validation.Required),
		validation.Field(&s.Action, validation.Required),
		validation.Field(&s.MaxAttempts, validation.Min(0)),
		validation.Field(&s.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&s.IdempotencyRequired,
			validation.When(s.attempts() > 1, validation.Required.Error("must be set when the step can be retried"))),
	)
}

// Validate checks the fields of a definition and of each of its steps.
func (d SagaDefinition) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Type, validation.Required),
		validation.Field(&d.Steps, validation.Required),
	)
}

func validateDefinition(def SagaDefinition) (*dag.Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, invalidDefinition(def.Type, err)
	}

	names := &set.Set[string]{}
	compensations := &set.Set[string]{}
	actions := &set.Set[string]{}
	for _, s := range def.Steps {
		actions.Insert(s.Participant + "." + s.Action)
	}

	var errs []error
	nodes := make([]dag.Step, 0, len(def.Steps))
	for i, s := range def.Steps {
		if !names.Insert(s.Name) {
			errs = append(errs, fmt.Errorf("step %q declared twice", s.Name))
		}
		switch {
		case s.Compensation == "" && i > 0:
			errs = append(errs, fmt.Errorf("step %q has no compensation; only the first step may omit it", s.Name))
		case s.Compensation != "":
			ref := s.Participant + "." + s.Compensation
			if !compensations.Insert(ref) {
				errs = append(errs, fmt.Errorf("step %q reuses compensation %q", s.Name, ref))
			}
			if actions.Contains(ref) {
				errs = append(errs, fmt.Errorf("step %q compensation %q is also an action", s.Name, ref))
			}
		}
		nodes = append(nodes, dag.Step{
			Name:         s.Name,
			Participant:  s.Participant,
			Action:       s.Action,
			Compensation: s.Compensation,
		})
	}
	if len(errs) > 0 {
		return nil, invalidDefinition(def.Type, errors.Join(errs...))
	}

	g, err := dag.BuildSaga(def.Type, nodes)
	if err != nil {
		return nil, invalidDefinition(def.Type, err)
	}
	return g, nil
}
