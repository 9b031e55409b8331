package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/imamik/azinit/internal/config"
)

const (
	sshdConfigPath     = "/etc/ssh/sshd_config"
	sshdDropInDir      = "/etc/ssh/sshd_config.d"
	sshdDropInFile     = "50-azinit.conf"
	authorizedKeysFile = "authorizedkeysfile"
)

// ErrNoAuthorizedKeysPath is returned when sshd querying is disabled and no
// static path is configured either.
var ErrNoAuthorizedKeysPath = errors.New("no authorized-keys path: sshd querying is disabled and ssh.authorized_keys_path is empty")

// ErrNoUsableKeys is returned when keys were supplied but none parsed.
var ErrNoUsableKeys = errors.New("no usable public keys: every supplied key failed to parse")

var passwordAuthPattern = regexp.MustCompile(`(?m)^\s*#?\s*PasswordAuthentication\s+(yes|no)\s*$`)

// AuthorizedKeysPath resolves where the user's authorized keys belong.
//
// With querying enabled the path comes from the live sshd configuration
// (`sshd -G`); a failed query degrades to the static path with a warning,
// since key placement can still succeed at the conventional location. With
// querying disabled an empty static path is an error: there is no fallback
// left to guess from.
func AuthorizedKeysPath(ctx context.Context, runner Runner, cfg config.SSH, username, homeDir string, logger logr.Logger) (string, error) {
	if cfg.QuerySshdConfig {
		path, err := queryAuthorizedKeysPath(ctx, runner, username)
		if err == nil {
			return absoluteTo(homeDir, path), nil
		}
		logger.Error(err, "querying sshd for the authorized-keys path failed, using the configured path",
			"fallback", cfg.AuthorizedKeysPath)
	}
	if cfg.AuthorizedKeysPath == "" {
		return "", ErrNoAuthorizedKeysPath
	}
	return absoluteTo(homeDir, cfg.AuthorizedKeysPath), nil
}

func queryAuthorizedKeysPath(ctx context.Context, runner Runner, username string) (string, error) {
	out, err := runner.Output(ctx, "sshd", "-G")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.EqualFold(fields[0], authorizedKeysFile) {
			// sshd may list several locations; the first takes priority.
			return expandTokens(fields[1], username), nil
		}
	}
	return "", fmt.Errorf("sshd -G output has no %s option", authorizedKeysFile)
}

func expandTokens(path, username string) string {
	path = strings.ReplaceAll(path, "%u", username)
	return strings.ReplaceAll(path, "%%", "%")
}

func absoluteTo(homeDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

// WriteAuthorizedKeys provisions the user's keys at keysPath, creating the
// parent directory with user-only permissions and handing ownership of both
// to the account. Individual keys that fail to parse are skipped with a
// warning; if keys were supplied and none parsed, nothing is written and
// ErrNoUsableKeys is returned.
func WriteAuthorizedKeys(user User, keysPath string, uid, gid int, logger logr.Logger) error {
	var lines []string
	for _, key := range user.Keys {
		trimmed := strings.TrimSpace(key.KeyData)
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(trimmed)); err != nil {
			logger.Info("skipping unparseable public key", "error", err.Error())
			continue
		}
		lines = append(lines, trimmed)
	}
	if len(lines) == 0 && len(user.Keys) > 0 {
		return ErrNoUsableKeys
	}

	dir := filepath.Dir(keysPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.Chown(dir, uid, gid); err != nil {
		return fmt.Errorf("chowning %s: %w", dir, err)
	}

	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(keysPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", keysPath, err)
	}
	if err := os.Chown(keysPath, uid, gid); err != nil {
		return fmt.Errorf("chowning %s: %w", keysPath, err)
	}

	logger.Info("authorized keys provisioned", "path", keysPath, "keys", len(lines))
	return nil
}

// LookupUser resolves the account's home directory and ownership ids.
func LookupUser(username string) (homeDir string, uid, gid int, err error) {
	account, err := user.Lookup(username)
	if err != nil {
		return "", 0, 0, fmt.Errorf("looking up user %q: %w", username, err)
	}
	uid, err = strconv.Atoi(account.Uid)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parsing uid %q: %w", account.Uid, err)
	}
	gid, err = strconv.Atoi(account.Gid)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parsing gid %q: %w", account.Gid, err)
	}
	return account.HomeDir, uid, gid, nil
}

// SshdConfigPath picks where the PasswordAuthentication directive goes: the
// drop-in directory when present, otherwise the monolithic config.
func SshdConfigPath() string {
	if info, err := os.Stat(sshdDropInDir); err == nil && info.IsDir() {
		return filepath.Join(sshdDropInDir, sshdDropInFile)
	}
	return sshdConfigPath
}

// UpdateSshdConfig sets PasswordAuthentication at path to mirror the
// platform's password policy. Existing directives (commented or not) are
// replaced in place; a file without one gets the directive appended, and a
// missing file is created holding only the directive.
func UpdateSshdConfig(path string, passwordAuthentication bool) error {
	directive := "PasswordAuthentication no"
	if passwordAuthentication {
		directive = "PasswordAuthentication yes"
	}

	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return os.WriteFile(path, []byte(directive+"\n"), 0o644)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var updated string
	if passwordAuthPattern.Match(current) {
		updated = passwordAuthPattern.ReplaceAllString(string(current), directive)
	} else {
		updated = string(current)
		if updated != "" && !strings.HasSuffix(updated, "\n") {
			updated += "\n"
		}
		updated += directive + "\n"
	}

	// Write-then-rename so sshd never observes a half-written config.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".azinit-sshd-*")
	if err != nil {
		return fmt.Errorf("creating temp file next to %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(updated); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting mode on %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
