package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/media"
	"github.com/imamik/azinit/internal/platform/imds"
	"github.com/imamik/azinit/internal/platform/wireserver"
	"github.com/imamik/azinit/internal/provisioning/backends"
	"github.com/imamik/azinit/internal/status"
)

// MetadataClient fetches the instance metadata snapshot.
type MetadataClient interface {
	Query(ctx context.Context) (*imds.InstanceMetadata, error)
}

// HealthClient runs the goalstate/health exchange with the platform.
type HealthClient interface {
	Goalstate(ctx context.Context) (*wireserver.Goalstate, error)
	ReportHealth(ctx context.Context, goalstate *wireserver.Goalstate, state wireserver.HealthState, subStatus, description string) error
}

// Injection points for tests.
var (
	readVMID   = status.VMID
	fetchMedia = media.Fetch
)

// Engine drives one provisioning run end to end: identity, platform
// exchange, phase pipeline, status marker and health reporting.
type Engine struct {
	Config     *config.Config
	Logger     logr.Logger
	Observer   Observer
	Runner     backends.Runner
	IMDS       MetadataClient
	Wireserver HealthClient

	// Phases overrides the pipeline; nil means DefaultPhases.
	Phases []Phase
}

func (e *Engine) phases() []Phase {
	if e.Phases != nil {
		return e.Phases
	}
	return DefaultPhases()
}

// Run provisions the VM. A non-nil error means provisioning failed and the
// process should exit non-zero; an undeliverable ready report alone does
// not fail the run.
func (e *Engine) Run(ctx context.Context) error {
	vmID, err := readVMID(ctx, e.Runner)
	if err != nil {
		return fmt.Errorf("determining vm id: %w", err)
	}
	logger := e.Logger.WithValues("vmId", vmID)
	observer := e.Observer.WithFields(map[string]string{"vmId": vmID})

	if status.IsProvisioned(e.Config.DataDir.Path, vmID, logger) {
		observer.Event(Event{
			Type:    EventProvisioningSkipped,
			Message: "instance already provisioned",
		})
		return nil
	}

	health := &healthReporter{client: e.Wireserver}

	metadata, err := e.IMDS.Query(ctx)
	if err != nil {
		err = &StageError{Stage: "fetch-metadata", Err: err}
		e.reportFailure(ctx, observer, health, err)
		return err
	}

	pctx := NewContext(ctx, e.Config, logger, observer, e.Runner)
	pctx.State.VMID = vmID
	pctx.State.Metadata = metadata

	if err := e.resolveTarget(pctx); err != nil {
		err = &StageError{Stage: "provisioning-media", Err: err}
		e.reportFailure(ctx, observer, health, err)
		return err
	}

	if err := RunPhases(pctx, e.phases()); err != nil {
		e.reportFailure(ctx, observer, health, err)
		return err
	}

	if err := status.Mark(e.Config.DataDir.Path, vmID); err != nil {
		err = fmt.Errorf("recording provisioning status: %w", err)
		e.reportFailure(ctx, observer, health, err)
		return err
	}

	observer.Event(Event{
		Type:    EventProvisioningCompleted,
		Message: "provisioning completed",
	})

	e.reportReady(ctx, observer, health)
	return nil
}

// healthReporter fetches the goalstate on first use and pins the result for
// the rest of the run, so both health reports of a cycle address the same
// state token. The health channel is report-time only: a VM provisions fine
// without it, it just cannot tell the platform so.
type healthReporter struct {
	client  HealthClient
	fetched bool
	gs      *wireserver.Goalstate
	err     error
}

func (r *healthReporter) goalstate(ctx context.Context) (*wireserver.Goalstate, error) {
	if !r.fetched {
		r.gs, r.err = r.client.Goalstate(ctx)
		r.fetched = true
	}
	return r.gs, r.err
}

// reportReady sends the ready report. Undeliverable reports, including a
// failed goalstate fetch, never flip a successful run.
func (e *Engine) reportReady(ctx context.Context, observer Observer, health *healthReporter) {
	goalstate, err := health.goalstate(ctx)
	if err == nil {
		err = e.Wireserver.ReportHealth(ctx, goalstate, wireserver.HealthReady, "", "")
	}
	if err != nil {
		e.Logger.Error(err, "reporting ready to the platform")
		observer.Event(Event{
			Type:    EventHealthReportFailed,
			Message: fmt.Sprintf("ready report not delivered: %v", err),
		})
		return
	}
	observer.Event(Event{
		Type:    EventHealthReported,
		Message: "reported ready",
	})
}

// resolveTarget derives the provisioning target from metadata, supplemented
// by provisioning media when password authentication is enabled. Azure keeps
// the real username off IMDS in that mode, so the OVF environment is
// authoritative for it.
func (e *Engine) resolveTarget(pctx *Context) error {
	profile := pctx.State.Metadata.Compute.OSProfile
	pctx.State.Hostname = profile.ComputerName
	pctx.State.DisablePasswordAuthentication = bool(profile.DisablePasswordAuthentication)

	user := backends.User{
		Name: profile.AdminUsername,
		Keys: pctx.State.Metadata.Compute.PublicKeys,
	}

	if !pctx.State.DisablePasswordAuthentication && e.Config.ProvisioningMedia.Enable {
		env, err := fetchMedia(pctx, e.Runner, pctx.Logger)
		switch {
		case errors.Is(err, media.ErrNoMedia):
			pctx.Logger.Info("no provisioning media attached, using metadata username")
		case err != nil:
			return fmt.Errorf("reading provisioning media: %w", err)
		default:
			user.Name = env.LinuxProvisioningConfigurationSet.UserName
			// Rejected in the password phase if non-empty.
			user.Password = env.LinuxProvisioningConfigurationSet.UserPassword
			if hostname := env.LinuxProvisioningConfigurationSet.HostName; hostname != "" {
				pctx.State.Hostname = hostname
			}
		}
	}

	pctx.State.User = user
	return nil
}

// reportFailure sends a best-effort NotReady report. Nothing here can change
// the run's outcome; the original failure is already decided.
func (e *Engine) reportFailure(ctx context.Context, observer Observer, health *healthReporter, cause error) {
	observer.Event(Event{
		Type:    EventProvisioningFailed,
		Message: cause.Error(),
	})
	goalstate, err := health.goalstate(ctx)
	if err == nil {
		err = e.Wireserver.ReportHealth(ctx, goalstate,
			wireserver.HealthNotReady, wireserver.SubStatusProvisioningFailed, cause.Error())
	}
	if err != nil {
		e.Logger.Error(err, "reporting provisioning failure to the platform")
		observer.Event(Event{
			Type:    EventHealthReportFailed,
			Message: fmt.Sprintf("failure report not delivered: %v", err),
		})
		return
	}
	observer.Event(Event{
		Type:    EventHealthReported,
		Message: "reported not ready",
	})
}
