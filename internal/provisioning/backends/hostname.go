package backends

import (
	"context"
	"fmt"

	"github.com/imamik/azinit/internal/config"
)

// SetHostname applies hostname through the selected backend.
func SetHostname(ctx context.Context, runner Runner, backend config.HostnameBackend, hostname string) error {
	switch backend {
	case config.HostnameBackendHostnamectl:
		if err := runner.Run(ctx, "hostnamectl", "set-hostname", hostname); err != nil {
			return fmt.Errorf("setting hostname %q: %w", hostname, err)
		}
		return nil
	case config.HostnameBackendFake:
		return nil
	default:
		return &NoProvisionerError{Capability: "hostname"}
	}
}
