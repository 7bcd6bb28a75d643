package registry

import (
	"sort"
	"sync"

	"github.com/rendis/dealflow/internal/validation"
	"github.com/rendis/dealflow/pkg/schema"
)

// TemplateValidator validates a template before registration.
// Satisfied by *validation.TemplateValidator.
type TemplateValidator interface {
	Validate(tpl *schema.WorkflowTemplate) error
}

// Registry is the thread-safe store of immutable workflow templates.
// Templates are validated on Register and never mutated afterwards; Get
// returns deep copies so callers cannot reach the stored instance.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*schema.WorkflowTemplate
	validator TemplateValidator
}

// NewRegistry creates an empty Registry. The validator is optional; when nil
// only the structural invariants (unique step ids, backward-only known
// dependencies) are enforced.
func NewRegistry(validator TemplateValidator) *Registry {
	return &Registry{
		templates: make(map[string]*schema.WorkflowTemplate),
		validator: validator,
	}
}

// Register stores a template by id, overwriting any existing template with
// the same id. Templates with duplicate step ids, unknown dependencies or
// forward dependencies are rejected.
func (r *Registry) Register(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "template is nil")
	}
	if tpl.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "template id is empty")
	}

	if r.validator != nil {
		if err := r.validator.Validate(tpl); err != nil {
			return err
		}
	} else if err := validation.ValidateStructure(tpl); err != nil {
		return err
	}

	cp := cloneTemplate(tpl)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[cp.ID] = cp
	return nil
}

// Get retrieves a template by id. Returns a TEMPLATE_NOT_FOUND error when absent.
func (r *Registry) Get(id string) (*schema.WorkflowTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, ok := r.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not registered", id)
	}
	return cloneTemplate(tpl), nil
}

// Has checks if a template is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[id]
	return ok
}

// List returns all registered templates, sorted by id.
func (r *Registry) List() []*schema.WorkflowTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schema.WorkflowTemplate, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, cloneTemplate(tpl))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// cloneTemplate deep-copies a template so registered instances stay immutable.
func cloneTemplate(tpl *schema.WorkflowTemplate) *schema.WorkflowTemplate {
	cp := *tpl

	cp.Steps = make([]schema.WorkflowStep, len(tpl.Steps))
	for i, step := range tpl.Steps {
		sc := step
		sc.DependsOn = append([]string(nil), step.DependsOn...)
		sc.Resources = append([]schema.StepResource(nil), step.Resources...)
		cp.Steps[i] = sc
	}

	cp.Rules = make([]schema.AutomationRule, len(tpl.Rules))
	for i, rule := range tpl.Rules {
		rc := rule
		rc.Conditions = append([]string(nil), rule.Conditions...)
		rc.Actions = make([]schema.AutomationAction, len(rule.Actions))
		for j, action := range rule.Actions {
			ac := action
			ac.Params = append([]byte(nil), action.Params...)
			rc.Actions[j] = ac
		}
		cp.Rules[i] = rc
	}

	return &cp
}
