// Package media reads the OVF environment from attached provisioning media.
// The platform attaches a small read-only volume carrying ovf-env.xml, whose
// provisioning section supplements instance metadata (notably the username
// when IMDS omits it).
package media

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/provisioning/backends"
)

const (
	// DefaultDevice is where the platform attaches the provisioning volume.
	DefaultDevice = "/dev/sr0"
	// mountPoint is transient boot state, cleaned up with the rest of /run.
	mountPoint = "/run/azinit/media"

	byLabelDir      = "/dev/disk/by-label"
	environmentFile = "ovf-env.xml"
)

// Labels the platform stamps on provisioning volumes.
var mediaLabelPrefixes = []string{"rd_rdfe_stable", "cidata", "CIDATA"}

// ErrNoMedia is returned when no provisioning media is attached. Callers
// treat it as "nothing to supplement", not as a failure.
var ErrNoMedia = errors.New("no provisioning media attached")

// LinuxProvisioningConfigurationSet is the provisioning payload of the OVF
// environment.
type LinuxProvisioningConfigurationSet struct {
	UserName     string `xml:"UserName"`
	UserPassword string `xml:"UserPassword"`
	HostName     string `xml:"HostName"`
}

// Environment is the decoded ovf-env.xml document.
type Environment struct {
	XMLName                           xml.Name                          `xml:"Environment"`
	LinuxProvisioningConfigurationSet LinuxProvisioningConfigurationSet `xml:"ProvisioningSection>LinuxProvisioningConfigurationSet"`
}

// ParseEnvironment decodes an ovf-env.xml document.
func ParseEnvironment(data []byte) (*Environment, error) {
	var env Environment
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("deserializing ovf environment: %w", err)
	}
	if env.LinuxProvisioningConfigurationSet.UserName == "" {
		return nil, fmt.Errorf("ovf environment has no UserName")
	}
	return &env, nil
}

// Fetch mounts the provisioning media, reads its OVF environment and
// unmounts again. A missing device yields ErrNoMedia.
func Fetch(ctx context.Context, runner backends.Runner, logger logr.Logger) (*Environment, error) {
	return fetchFrom(ctx, runner, logger, findDevice(byLabelDir), mountPoint)
}

// findDevice looks for a volume carrying one of the known provisioning
// labels, falling back to the conventional CD-ROM device.
func findDevice(labelDir string) string {
	entries, err := os.ReadDir(labelDir)
	if err != nil {
		return DefaultDevice
	}
	for _, entry := range entries {
		for _, prefix := range mediaLabelPrefixes {
			if strings.HasPrefix(entry.Name(), prefix) {
				return filepath.Join(labelDir, entry.Name())
			}
		}
	}
	return DefaultDevice
}

func fetchFrom(ctx context.Context, runner backends.Runner, logger logr.Logger, device, dir string) (*Environment, error) {
	if _, err := os.Stat(device); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoMedia
		}
		return nil, fmt.Errorf("checking media device %s: %w", device, err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating mount point %s: %w", dir, err)
	}
	if err := runner.Run(ctx, "mount", "-o", "ro", device, dir); err != nil {
		return nil, fmt.Errorf("mounting %s: %w", device, err)
	}
	defer func() {
		if err := runner.Run(ctx, "umount", dir); err != nil {
			logger.Error(err, "unmounting provisioning media", "mountPoint", dir)
		}
	}()

	data, err := os.ReadFile(filepath.Join(dir, environmentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoMedia
		}
		return nil, fmt.Errorf("reading %s: %w", environmentFile, err)
	}

	env, err := ParseEnvironment(data)
	if err != nil {
		return nil, err
	}
	logger.Info("ovf environment read from provisioning media", "device", device)
	return env, nil
}
