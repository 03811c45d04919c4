package session

import (
	"github.com/charmbracelet/log"

	"github.com/oratora/speakd/internal/observability"
	"github.com/oratora/speakd/internal/pipeline"
	"github.com/oratora/speakd/internal/registry"
	"github.com/oratora/speakd/internal/store"
)

// Factory builds one Machine per accepted connection, sharing the
// collaborator pipeline, resource store, and registry across all of them.
type Factory struct {
	limits      Limits
	coordinator *pipeline.Coordinator
	resources   store.ResourceStore
	reg         *registry.Registry
	metrics     *observability.Metrics
	logger      *log.Logger
}

func NewFactory(
	limits Limits,
	coordinator *pipeline.Coordinator,
	resources store.ResourceStore,
	reg *registry.Registry,
	metrics *observability.Metrics,
	logger *log.Logger,
) *Factory {
	if logger == nil {
		logger = log.Default()
	}
	return &Factory{
		limits:      limits.withDefaults(),
		coordinator: coordinator,
		resources:   resources,
		reg:         reg,
		metrics:     metrics,
		logger:      logger,
	}
}

// NewRunner creates the machine for one connection. closeFn is how the
// registry forces this connection shut; it must be safe to call from any
// goroutine.
func (f *Factory) NewRunner(ownerID string, closeFn func(reason string)) *Machine {
	return &Machine{
		limits:      f.limits,
		coordinator: f.coordinator,
		resources:   f.resources,
		reg:         f.reg,
		metrics:     f.metrics,
		logger:      f.logger,
		closeFn:     closeFn,
		sess: &Session{
			OwnerID: ownerID,
			State:   StateAwaitingStart,
		},
	}
}
