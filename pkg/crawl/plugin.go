package crawl

import (
	"context"
	"fmt"
	"time"
)

// Plugin is the three-function contract a site module implements. Sections and
// Parse are pure functions of their input; Seed only reads the View.
type Plugin interface {
	// Name identifies the plugin in the registry and in stored records.
	Name() string
	// Labels is the closed set of labels the plugin produces and handles.
	Labels() LabelSet
	// Seed returns the next top-level edge or Exhausted. Errors are faults
	// and end the session.
	Seed(ctx context.Context, view View) (SeedResult, error)
	// Sections splits a fetched unit into zero or more sub-units.
	Sections(data Data) ([]Data, error)
	// Parse extracts identity and date for data and returns follow-up edges.
	Parse(data Data, parentID string, parentDate time.Time) (ParseResult, error)
}

// SectionsFunc handles Sections for one label.
type SectionsFunc func(data Data) ([]Data, error)

// ParseFunc handles Parse for one label.
type ParseFunc func(data Data, parentID string, parentDate time.Time) (ParseResult, error)

// Route pairs the handlers for one label.
type Route struct {
	Sections SectionsFunc
	Parse    ParseFunc
}

// Passthrough is a SectionsFunc that returns its input as the only unit.
func Passthrough(data Data) ([]Data, error) {
	return []Data{data}, nil
}

// Router dispatches Sections and Parse by label over a closed set. It is
// safe for concurrent use once built.
type Router struct {
	plugin string
	routes map[Label]Route
	labels LabelSet
}

// NewRouter validates that every label has both handlers.
func NewRouter(plugin string, routes map[Label]Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("plugin %q: router needs at least one route", plugin)
	}
	copied := make(map[Label]Route, len(routes))
	labels := make(LabelSet, len(routes))
	for label, route := range routes {
		if label == "" {
			return nil, fmt.Errorf("plugin %q: empty label", plugin)
		}
		if label == LabelTotal {
			return nil, fmt.Errorf("plugin %q: label %q is reserved", plugin, LabelTotal)
		}
		if route.Sections == nil {
			return nil, fmt.Errorf("plugin %q: label %q has no sections handler", plugin, label)
		}
		if route.Parse == nil {
			return nil, fmt.Errorf("plugin %q: label %q has no parse handler", plugin, label)
		}
		copied[label] = route
		labels[label] = struct{}{}
	}
	return &Router{plugin: plugin, routes: copied, labels: labels}, nil
}

// MustRouter is NewRouter that panics on error, for package-level plugin tables.
func MustRouter(plugin string, routes map[Label]Route) *Router {
	r, err := NewRouter(plugin, routes)
	if err != nil {
		panic(err)
	}
	return r
}

// Labels returns the declared label set.
func (r *Router) Labels() LabelSet { return r.labels }

// Sections dispatches to the handler registered for data.Label.
func (r *Router) Sections(data Data) ([]Data, error) {
	route, ok := r.routes[data.Label]
	if !ok {
		return nil, &UnrecognizedLabelError{Plugin: r.plugin, Label: data.Label}
	}
	return route.Sections(data)
}

// Parse dispatches to the handler registered for data.Label.
func (r *Router) Parse(data Data, parentID string, parentDate time.Time) (ParseResult, error) {
	route, ok := r.routes[data.Label]
	if !ok {
		return ParseResult{}, &UnrecognizedLabelError{Plugin: r.plugin, Label: data.Label}
	}
	return route.Parse(data, parentID, parentDate)
}
