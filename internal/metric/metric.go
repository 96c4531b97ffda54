// Package metric defines per-user metrics and the registry that builds them.
package metric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Row is the value a metric produces for one user, keyed by column.
type Row map[string]float64

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Metric computes a value for a single user of a project. Implementations must
// not share mutable state between users.
type Metric interface {
	ID() string
	Compute(ctx context.Context, project string, userID int64) (Row, error)
}

// Spec names a metric and its parameters, as stored with a report.
type Spec struct {
	ID     string            `json:"id" yaml:"id"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// WithParams returns a copy of s with overrides applied.
func (s Spec) WithParams(overrides map[string]string) Spec {
	params := make(map[string]string, len(s.Params)+len(overrides))
	for k, v := range s.Params {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}
	return Spec{ID: s.ID, Params: params}
}

// Func adapts a function to a Metric.
type Func struct {
	Name string
	Fn   func(ctx context.Context, project string, userID int64) (Row, error)
}

func (f Func) ID() string { return f.Name }

func (f Func) Compute(ctx context.Context, project string, userID int64) (Row, error) {
	return f.Fn(ctx, project, userID)
}

// Factory builds a metric from its parameters.
type Factory func(params map[string]string) (Metric, error)

var ErrUnknownMetric = errors.New("unknown metric")

// Registry maps metric ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Build resolves spec into a metric.
func (r *Registry) Build(spec Spec) (Metric, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, spec.ID)
	}
	m, err := f(spec.Params)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", spec.ID, err)
	}
	return m, nil
}

// IDs lists registered metric ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
