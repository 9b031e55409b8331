package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/platform/imds"
)

// User is the account to be provisioned on this VM.
type User struct {
	Name     string
	Groups   []string
	Keys     []imds.PublicKey
	Password string
}

// defaultUserComment marks accounts created by this agent.
const defaultUserComment = "Provisioning agent created this user based on username provided in IMDS"

// CreateUser creates user through the selected backend. An account that
// already exists is left untouched; the platform may legitimately name a
// user baked into the image.
func CreateUser(ctx context.Context, runner Runner, backend config.UserBackend, user User) error {
	switch backend {
	case config.UserBackendUseradd:
		exists, err := userExists(ctx, runner, user.Name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		args := []string{
			user.Name,
			"--comment", defaultUserComment,
		}
		if len(user.Groups) > 0 {
			args = append(args, "--groups", strings.Join(user.Groups, ","))
		}
		args = append(args, "-d", "/home/"+user.Name, "-m")
		if err := runner.Run(ctx, "useradd", args...); err != nil {
			return fmt.Errorf("creating user %q: %w", user.Name, err)
		}
		return nil
	case config.UserBackendFake:
		return nil
	default:
		return &NoProvisionerError{Capability: "user"}
	}
}

func userExists(ctx context.Context, runner Runner, name string) (bool, error) {
	// getent exits 2 when the key is absent from the passwd database.
	_, err := runner.Output(ctx, "getent", "passwd", name)
	if err == nil {
		return true, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode == 2 {
		return false, nil
	}
	return false, fmt.Errorf("checking whether user %q exists: %w", name, err)
}
