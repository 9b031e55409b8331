package provisioning

import (
	"fmt"

	"github.com/imamik/azinit/internal/provisioning/backends"
)

// Injection point for tests.
var sshdConfigPath = backends.SshdConfigPath

// DefaultPhases returns the standard phase order. Backend selection comes
// first so that a configuration with no usable backend for any capability
// fails before a single command has run.
func DefaultPhases() []Phase {
	return []Phase{
		&SelectBackendsPhase{},
		&HostnamePhase{},
		&UserPhase{},
		&SSHPhase{},
		&PasswordPhase{},
	}
}

// SelectBackendsPhase fixes the backend for each capability.
type SelectBackendsPhase struct{}

func (p *SelectBackendsPhase) Name() string { return "select-backends" }

func (p *SelectBackendsPhase) Provision(ctx *Context) error {
	sel, err := backends.Select(ctx.Config)
	if err != nil {
		return err
	}
	ctx.State.Selection = sel
	ctx.Logger.Info("backends selected",
		"hostname", string(sel.Hostname),
		"user", string(sel.User),
		"password", string(sel.Password))
	return nil
}

// HostnamePhase applies the hostname from instance metadata.
type HostnamePhase struct{}

func (p *HostnamePhase) Name() string { return "hostname" }

func (p *HostnamePhase) Provision(ctx *Context) error {
	return backends.SetHostname(ctx, ctx.Runner, ctx.State.Selection.Hostname, ctx.State.Hostname)
}

// UserPhase creates the target account.
type UserPhase struct{}

func (p *UserPhase) Name() string { return "user" }

func (p *UserPhase) Provision(ctx *Context) error {
	return backends.CreateUser(ctx, ctx.Runner, ctx.State.Selection.User, ctx.State.User)
}

// SSHPhase places the user's authorized keys. With the fake user backend
// active no account exists to own the keys, so the phase is a no-op.
type SSHPhase struct{}

func (p *SSHPhase) Name() string { return "ssh" }

func (p *SSHPhase) Provision(ctx *Context) error {
	if ctx.State.Selection.UserIsFake() {
		return nil
	}
	user := ctx.State.User

	home, uid, gid, err := backends.LookupUser(user.Name)
	if err != nil {
		return err
	}
	keysPath, err := backends.AuthorizedKeysPath(ctx, ctx.Runner, ctx.Config.SSH, user.Name, home, ctx.Logger)
	if err != nil {
		return err
	}
	return backends.WriteAuthorizedKeys(user, keysPath, uid, gid, ctx.Logger)
}

// PasswordPhase applies the password policy and mirrors it into the sshd
// configuration. The sshd edit only happens with the real password backend;
// the fake variant applied no policy worth advertising.
type PasswordPhase struct{}

func (p *PasswordPhase) Name() string { return "password" }

func (p *PasswordPhase) Provision(ctx *Context) error {
	if err := backends.ApplyPassword(ctx, ctx.Runner, ctx.State.Selection.Password, ctx.State.User); err != nil {
		return err
	}
	if ctx.State.Selection.PasswordIsFake() {
		return nil
	}
	passwordAuthentication := !ctx.State.DisablePasswordAuthentication
	if err := backends.UpdateSshdConfig(sshdConfigPath(), passwordAuthentication); err != nil {
		return fmt.Errorf("updating sshd configuration: %w", err)
	}
	return nil
}
