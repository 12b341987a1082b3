package procqueue

import (
	"context"
	"fmt"
)

// Consumer is a registered unit of processing logic bound to one event
// category. Name must be globally unique across all consumers.
type Consumer interface {
	Name() string
	Category() string
	Process(ctx context.Context, subjectID string) error
}

type consumerFunc struct {
	name     string
	category string
	fn       func(ctx context.Context, subjectID string) error
}

func (c consumerFunc) Name() string     { return c.name }
func (c consumerFunc) Category() string { return c.category }
func (c consumerFunc) Process(ctx context.Context, subjectID string) error {
	return c.fn(ctx, subjectID)
}

// NewConsumerFunc adapts a function to the Consumer interface.
func NewConsumerFunc(category, name string, fn func(ctx context.Context, subjectID string) error) Consumer {
	return consumerFunc{name: name, category: category, fn: fn}
}

// Registry is the static, process-wide mapping from event categories to
// the consumers that must process them. It is built once at startup and
// read-only afterwards.
type Registry struct {
	byCategory map[string][]Consumer
	byName     map[string]Consumer
}

// NewRegistry builds a registry from the given consumers. A duplicate
// consumer name is a configuration error and fails construction, before
// any work is accepted.
func NewRegistry(consumers ...Consumer) (*Registry, error) {
	r := &Registry{
		byCategory: make(map[string][]Consumer),
		byName:     make(map[string]Consumer),
	}
	for _, c := range consumers {
		if c.Name() == "" {
			return nil, fmt.Errorf("consumer for category %q has empty name", c.Category())
		}
		if _, ok := r.byName[c.Name()]; ok {
			return nil, fmt.Errorf("duplicate consumer name %q", c.Name())
		}
		r.byName[c.Name()] = c
		r.byCategory[c.Category()] = append(r.byCategory[c.Category()], c)
	}
	return r, nil
}

// ConsumersFor returns the consumers registered for a category, in
// registration order.
func (r *Registry) ConsumersFor(category string) []Consumer {
	return r.byCategory[category]
}

// Lookup returns the consumer with the given name.
func (r *Registry) Lookup(name string) (Consumer, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	return len(r.byName)
}
