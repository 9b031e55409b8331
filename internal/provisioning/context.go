package provisioning

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/platform/imds"
	"github.com/imamik/azinit/internal/provisioning/backends"
)

// State holds the shared results of provisioning phases. It is progressively
// populated as each phase completes and is read by subsequent phases that
// need earlier results.
type State struct {
	// Identity (populated by the engine before phases run)
	VMID     string
	Metadata *imds.InstanceMetadata

	// Provisioning target (populated by the engine from metadata and,
	// when applicable, provisioning media)
	Hostname                      string
	User                          backends.User
	DisablePasswordAuthentication bool

	// Backend selection (populated by the selection phase)
	Selection backends.Selection
}

// Context wraps all dependencies and state needed for a provisioning phase.
type Context struct {
	context.Context
	Config   *config.Config
	Logger   logr.Logger
	Observer Observer
	Runner   backends.Runner
	State    *State
}

// NewContext creates a new provisioning context.
func NewContext(ctx context.Context, cfg *config.Config, logger logr.Logger, observer Observer, runner backends.Runner) *Context {
	return &Context{
		Context:  ctx,
		Config:   cfg,
		Logger:   logger,
		Observer: observer,
		Runner:   runner,
		State:    &State{},
	}
}
