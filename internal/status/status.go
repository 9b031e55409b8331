// Package status tracks whether this VM instance has already been
// provisioned. A zero-byte marker file named after the VM id lives in the
// agent's data directory; its presence makes subsequent boots of the same
// instance no-ops while still reprovisioning after the image is captured and
// deployed as a new VM.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/provisioning/backends"
)

// VMID reads the VM's unique id from SMBIOS.
func VMID(ctx context.Context, runner backends.Runner) (string, error) {
	out, err := runner.Output(ctx, "dmidecode", "-s", "system-uuid")
	if err != nil {
		return "", fmt.Errorf("reading system uuid: %w", err)
	}
	id := strings.ToLower(strings.TrimSpace(out))
	if id == "" {
		return "", fmt.Errorf("system uuid is empty")
	}
	return id, nil
}

func markerPath(dataDir, vmID string) string {
	return filepath.Join(dataDir, vmID+".provisioned")
}

// IsProvisioned reports whether a completed run already marked this VM id.
func IsProvisioned(dataDir, vmID string, logger logr.Logger) bool {
	_, err := os.Stat(markerPath(dataDir, vmID))
	if err == nil {
		logger.Info("provisioning marker present, instance already provisioned", "vmId", vmID)
		return true
	}
	if !os.IsNotExist(err) {
		logger.Error(err, "checking provisioning marker", "vmId", vmID)
	}
	return false
}

// Mark records that provisioning completed for this VM id.
func Mark(dataDir, vmID string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	path := markerPath(dataDir, vmID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating provisioning marker %s: %w", path, err)
	}
	return f.Close()
}
