package config

import (
	"time"

	"github.com/imamik/azinit/internal/util/retry"
)

// HostnameBackend identifies a tool able to set the system hostname.
type HostnameBackend string

// UserBackend identifies a tool able to create the target account.
type UserBackend string

// PasswordBackend identifies a tool able to manage the account password.
type PasswordBackend string

// The closed variant sets. The fake variants execute nothing and exist for
// test configurations; selecting one also disables the sshd drop-in edit.
const (
	HostnameBackendHostnamectl HostnameBackend = "hostnamectl"
	HostnameBackendFake        HostnameBackend = "fake_hostnamectl"

	UserBackendUseradd UserBackend = "useradd"
	UserBackendFake    UserBackend = "fake_useradd"

	PasswordBackendPasswd PasswordBackend = "passwd"
	PasswordBackendFake   PasswordBackend = "fake_passwd"
)

// SSH holds settings for authorized-keys placement and sshd management.
type SSH struct {
	// AuthorizedKeysPath is the static authorized-keys location, relative
	// to the user's home directory unless absolute.
	AuthorizedKeysPath string `toml:"authorized_keys_path"`

	// QuerySshdConfig enables resolving the authorized-keys path from the
	// live sshd configuration (`sshd -G`). A failed query falls back to
	// AuthorizedKeysPath; with querying disabled an empty static path is a
	// provisioning error.
	QuerySshdConfig bool `toml:"query_sshd_config"`
}

// HostnameProvisioners selects the hostname capability's backends in order.
type HostnameProvisioners struct {
	Backends []HostnameBackend `toml:"backends"`
}

// UserProvisioners selects the user capability's backends in order.
type UserProvisioners struct {
	Backends []UserBackend `toml:"backends"`
}

// PasswordProvisioners selects the password capability's backends in order.
type PasswordProvisioners struct {
	Backends []PasswordBackend `toml:"backends"`
}

// IMDS holds the endpoint and timeout budget for the instance metadata
// service client.
type IMDS struct {
	Endpoint              string  `toml:"endpoint"`
	ConnectionTimeoutSecs float64 `toml:"connection_timeout_secs"`
	ReadTimeoutSecs       float64 `toml:"read_timeout_secs"`
	RetryIntervalSecs     float64 `toml:"retry_interval_secs"`
	TotalRetryTimeoutSecs float64 `toml:"total_retry_timeout_secs"`
}

// Wireserver holds the endpoint and timeout budget for the management
// channel client. The wireserver budget is much larger than the IMDS one:
// provisioning has almost certainly failed platform-side timeouts by the
// time it runs out.
type Wireserver struct {
	Endpoint              string  `toml:"endpoint"`
	ConnectionTimeoutSecs float64 `toml:"connection_timeout_secs"`
	ReadTimeoutSecs       float64 `toml:"read_timeout_secs"`
	RetryIntervalSecs     float64 `toml:"retry_interval_secs"`
	TotalRetryTimeoutSecs float64 `toml:"total_retry_timeout_secs"`
}

// ProvisioningMedia toggles reading the OVF environment from attached
// provisioning media.
type ProvisioningMedia struct {
	Enable bool `toml:"enable"`
}

// Telemetry toggles Hyper-V KVP diagnostics.
type Telemetry struct {
	KvpDiagnostics bool `toml:"kvp_diagnostics"`
}

// DataDir locates the agent's persistent state, notably the per-VM
// provisioning marker files.
type DataDir struct {
	Path string `toml:"path"`
}

// Config is the fully-resolved agent configuration. It is immutable after
// Load returns.
type Config struct {
	SSH                  SSH                  `toml:"ssh"`
	HostnameProvisioners HostnameProvisioners `toml:"hostname_provisioners"`
	UserProvisioners     UserProvisioners     `toml:"user_provisioners"`
	PasswordProvisioners PasswordProvisioners `toml:"password_provisioners"`
	IMDS                 IMDS                 `toml:"imds"`
	Wireserver           Wireserver           `toml:"wireserver"`
	ProvisioningMedia    ProvisioningMedia    `toml:"provisioning_media"`
	Telemetry            Telemetry            `toml:"telemetry"`
	DataDir              DataDir              `toml:"azinit_data_dir"`
}

// Default endpoints are the fixed link-local addresses available inside an
// Azure VM.
const (
	DefaultIMDSEndpoint       = "http://169.254.169.254/metadata/instance?api-version=2023-11-15&extended=true"
	DefaultWireserverEndpoint = "http://168.63.129.16"
	DefaultDataDir            = "/var/lib/azinit"
)

// Default returns the compiled-in configuration. Every field is covered so
// that file layers only ever narrow behavior, never discover it.
func Default() *Config {
	return &Config{
		SSH: SSH{
			AuthorizedKeysPath: ".ssh/authorized_keys",
			QuerySshdConfig:    true,
		},
		HostnameProvisioners: HostnameProvisioners{
			Backends: []HostnameBackend{HostnameBackendHostnamectl},
		},
		UserProvisioners: UserProvisioners{
			Backends: []UserBackend{UserBackendUseradd},
		},
		PasswordProvisioners: PasswordProvisioners{
			Backends: []PasswordBackend{PasswordBackendPasswd},
		},
		IMDS: IMDS{
			Endpoint:              DefaultIMDSEndpoint,
			ConnectionTimeoutSecs: 30,
			ReadTimeoutSecs:       60,
			RetryIntervalSecs:     2,
			TotalRetryTimeoutSecs: 300,
		},
		Wireserver: Wireserver{
			Endpoint:              DefaultWireserverEndpoint,
			ConnectionTimeoutSecs: 60,
			ReadTimeoutSecs:       60,
			RetryIntervalSecs:     2,
			TotalRetryTimeoutSecs: 1200,
		},
		ProvisioningMedia: ProvisioningMedia{Enable: true},
		Telemetry:         Telemetry{KvpDiagnostics: true},
		DataDir:           DataDir{Path: DefaultDataDir},
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// RetryPolicy derives the IMDS client's retry policy.
func (i IMDS) RetryPolicy() retry.Policy {
	return retry.Policy{
		ConnectionTimeout: secs(i.ConnectionTimeoutSecs),
		ReadTimeout:       secs(i.ReadTimeoutSecs),
		RetryInterval:     secs(i.RetryIntervalSecs),
		TotalTimeout:      secs(i.TotalRetryTimeoutSecs),
	}
}

// RetryPolicy derives the wireserver client's retry policy.
func (w Wireserver) RetryPolicy() retry.Policy {
	return retry.Policy{
		ConnectionTimeout: secs(w.ConnectionTimeoutSecs),
		ReadTimeout:       secs(w.ReadTimeoutSecs),
		RetryInterval:     secs(w.RetryIntervalSecs),
		TotalTimeout:      secs(w.TotalRetryTimeoutSecs),
	}
}
