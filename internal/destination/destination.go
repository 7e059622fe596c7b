package destination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haivu-dev/beacon/internal/core/domain"
)

// SendOptions tune one delivery call.
type SendOptions struct {
	// DryRun validates the batch without posting anything to the live endpoint.
	DryRun bool
}

// Destination delivers event batches to one upstream system.
//
// SendEvents returns one outcome per input event, in input order, for every
// completed call. A structurally broken batch response returns a nil slice
// and an error instead, and the caller treats the whole batch as
// unresolved. When ctx is cancelled mid-batch, the outcomes completed so
// far come back in index order together with ctx's error.
type Destination interface {
	Type() string
	// Config returns the raw config the destination was built from, used
	// for retry-record snapshots.
	Config() json.RawMessage
	// Fields lists the source fields the destination consumes.
	Fields() []string
	SendEvents(ctx context.Context, events []domain.Event, opts SendOptions) ([]domain.ValidationOutcome, error)
}

// Factory builds a destination from its raw config.
type Factory func(cfg json.RawMessage) (Destination, error)

// Registry resolves destination types to factories. Config problems
// surface here at build time, never during a send.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(destType string, f Factory) {
	r.factories[destType] = f
}

// Build constructs a destination of destType from cfg.
func (r *Registry) Build(destType string, cfg json.RawMessage) (Destination, error) {
	f, ok := r.factories[destType]
	if !ok {
		return nil, fmt.Errorf("unknown destination type %q", destType)
	}
	return f(cfg)
}
