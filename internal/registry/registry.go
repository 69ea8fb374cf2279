// Package registry maps plugin names to crawl.Plugin implementations.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// ErrPluginNotFound is returned by Lookup for unknown names.
var ErrPluginNotFound = errors.New("plugin not found")

// ErrDuplicatePlugin is returned when a name is registered twice.
var ErrDuplicatePlugin = errors.New("plugin already registered")

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]crawl.Plugin
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{plugins: make(map[string]crawl.Plugin)}
}

// Register adds p under p.Name(). The label set must be non-empty and must
// not contain the reserved records-total label.
func (r *Registry) Register(p crawl.Plugin) error {
	if p == nil {
		return errors.New("register: nil plugin")
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return errors.New("register: plugin name is required")
	}
	labels := p.Labels()
	if len(labels) == 0 {
		return fmt.Errorf("register %q: plugin declares no labels", name)
	}
	for label := range labels {
		if label == "" {
			return fmt.Errorf("register %q: empty label", name)
		}
		if label == crawl.LabelTotal {
			return fmt.Errorf("register %q: label %q is reserved", name, label)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicatePlugin)
	}
	r.plugins[name] = p
	return nil
}

// MustRegister is Register that panics, for package init wiring.
func (r *Registry) MustRegister(p crawl.Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (crawl.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}
	return p, nil
}

// Names lists registered plugins in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
