package backends

import (
	"fmt"

	"github.com/imamik/azinit/internal/config"
)

// NoProvisionerError reports that no configured backend for a capability is
// recognized. Selection happens up front, so this error means nothing has
// been executed for any capability yet.
type NoProvisionerError struct {
	Capability string
}

func (e *NoProvisionerError) Error() string {
	return fmt.Sprintf("no usable %s provisioner in configuration", e.Capability)
}

// Selection is the backend chosen for each capability, fixed before any of
// them runs. Execution order never falls through to a later list entry; a
// backend that fails fails the run.
type Selection struct {
	Hostname config.HostnameBackend
	User     config.UserBackend
	Password config.PasswordBackend
}

// Fake variants run no commands. A fake password backend additionally
// suppresses the sshd PasswordAuthentication edit, since the real
// authentication policy was never applied.

// HostnameIsFake reports whether the hostname backend executes nothing.
func (s Selection) HostnameIsFake() bool { return s.Hostname == config.HostnameBackendFake }

// UserIsFake reports whether the user backend executes nothing.
func (s Selection) UserIsFake() bool { return s.User == config.UserBackendFake }

// PasswordIsFake reports whether the password backend executes nothing.
func (s Selection) PasswordIsFake() bool { return s.Password == config.PasswordBackendFake }

// Select walks each capability's configured backend list in order and picks
// the first recognized variant. Unrecognized names are skipped; a list with
// no recognized entry yields NoProvisionerError for that capability.
func Select(cfg *config.Config) (Selection, error) {
	var sel Selection

	hostname, ok := firstKnown(cfg.HostnameProvisioners.Backends,
		config.HostnameBackendHostnamectl, config.HostnameBackendFake)
	if !ok {
		return Selection{}, &NoProvisionerError{Capability: "hostname"}
	}
	sel.Hostname = hostname

	user, ok := firstKnown(cfg.UserProvisioners.Backends,
		config.UserBackendUseradd, config.UserBackendFake)
	if !ok {
		return Selection{}, &NoProvisionerError{Capability: "user"}
	}
	sel.User = user

	password, ok := firstKnown(cfg.PasswordProvisioners.Backends,
		config.PasswordBackendPasswd, config.PasswordBackendFake)
	if !ok {
		return Selection{}, &NoProvisionerError{Capability: "password"}
	}
	sel.Password = password

	return sel, nil
}

func firstKnown[T comparable](configured []T, known ...T) (T, bool) {
	for _, candidate := range configured {
		for _, k := range known {
			if candidate == k {
				return candidate, true
			}
		}
	}
	var zero T
	return zero, false
}
