package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/rcmflow/model"
)

// snapshot is an immutable collection of templates indexed by ID.
type snapshot struct {
	templates map[string]model.WorkflowTemplate
	checksum  string
}

// Registry is a read-optimized, thread-safe store of accepted templates.
// Reads are lock-free through an atomic pointer swap; Load calls are
// serialized.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	mu        sync.Mutex
	validator *Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{validator: NewValidator()}
	r.snap.Store(&snapshot{templates: map[string]model.WorkflowTemplate{}})
	return r
}

// Load validates each template and registers the valid ones in a single
// atomic swap. It returns one TEMPLATE_INTEGRITY error per rejected
// template; rejected templates are never registered and do not affect the
// others. A template whose id is already registered, or repeated within the
// batch, is rejected.
func (r *Registry) Load(templates []model.WorkflowTemplate) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	next := make(map[string]model.WorkflowTemplate, len(cur.templates)+len(templates))
	for id, t := range cur.templates {
		next[id] = t
	}

	var errs []error
	for _, t := range templates {
		verrs := r.validator.ValidateTemplate(t)
		if _, dup := next[t.ID]; dup && t.ID != "" {
			verrs = append(verrs, VError{
				Path:    t.ID + ".id",
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("template %q is already registered", t.ID),
			})
		}
		if len(verrs) > 0 {
			errs = append(errs, model.NewTemplateIntegrityError(t.ID, toFieldErrors(verrs)))
			continue
		}
		next[t.ID] = freeze(t)
	}

	r.snap.Store(&snapshot{templates: next, checksum: checksum(next)})
	return errs
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetTemplate returns the template with the given ID.
func (r *Registry) GetTemplate(templateID string) (model.WorkflowTemplate, error) {
	t, ok := r.current().templates[templateID]
	if !ok {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError(templateID)
	}
	return t, nil
}

// All returns every registered template sorted by ID.
func (r *Registry) All() []model.WorkflowTemplate {
	s := r.current()
	out := make([]model.WorkflowTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	return len(r.current().templates)
}

// Checksum returns the combined checksum of all registered templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// freeze copies the slices of t so later changes by the caller cannot reach
// the registered template, and fills in the total estimate when absent.
func freeze(t model.WorkflowTemplate) model.WorkflowTemplate {
	steps := make([]model.StepDefinition, len(t.Steps))
	total := 0
	for i, s := range t.Steps {
		s.Dependencies = append([]string(nil), s.Dependencies...)
		s.RequiredRole = append([]string(nil), s.RequiredRole...)
		steps[i] = s
		total += s.EstimatedTime
	}
	t.Steps = steps
	if t.EstimatedTotalTime == 0 {
		t.EstimatedTotalTime = total
	}
	return t
}

func checksum(templates map[string]model.WorkflowTemplate) string {
	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		b, _ := json.Marshal(templates[id])
		h.Write(b)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func toFieldErrors(verrs []VError) []model.FieldError {
	out := make([]model.FieldError, len(verrs))
	for i, e := range verrs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}
