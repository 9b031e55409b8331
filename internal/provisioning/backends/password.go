package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/imamik/azinit/internal/config"
)

// ErrNonEmptyPassword is returned when metadata carries a password. The
// agent only supports key-based access; accounts are locked, never given a
// password.
var ErrNonEmptyPassword = errors.New("non-empty passwords are not supported, lock the account instead")

// ApplyPassword applies password policy for user through the selected
// backend: an empty password locks the account, a non-empty one is refused.
func ApplyPassword(ctx context.Context, runner Runner, backend config.PasswordBackend, user User) error {
	switch backend {
	case config.PasswordBackendPasswd:
		if user.Password != "" {
			return ErrNonEmptyPassword
		}
		if err := runner.Run(ctx, "passwd", "-l", user.Name); err != nil {
			return fmt.Errorf("locking password for %q: %w", user.Name, err)
		}
		return nil
	case config.PasswordBackendFake:
		return nil
	default:
		return &NoProvisionerError{Capability: "password"}
	}
}
