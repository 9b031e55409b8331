package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	knownHostnameBackends = map[HostnameBackend]bool{
		HostnameBackendHostnamectl: true,
		HostnameBackendFake:        true,
	}
	knownUserBackends = map[UserBackend]bool{
		UserBackendUseradd: true,
		UserBackendFake:    true,
	}
	knownPasswordBackends = map[PasswordBackend]bool{
		PasswordBackendPasswd: true,
		PasswordBackendFake:   true,
	}
)

// Validate checks the resolved configuration against the closed variant sets
// and the timeout invariants. All problems are reported together.
func (c *Config) Validate() error {
	var errs *multierror.Error

	errs = multierror.Append(errs, validateTimeouts("imds",
		c.IMDS.ConnectionTimeoutSecs, c.IMDS.ReadTimeoutSecs,
		c.IMDS.RetryIntervalSecs, c.IMDS.TotalRetryTimeoutSecs))
	errs = multierror.Append(errs, validateTimeouts("wireserver",
		c.Wireserver.ConnectionTimeoutSecs, c.Wireserver.ReadTimeoutSecs,
		c.Wireserver.RetryIntervalSecs, c.Wireserver.TotalRetryTimeoutSecs))

	if c.IMDS.Endpoint == "" {
		errs = multierror.Append(errs, fmt.Errorf("imds.endpoint must not be empty"))
	}
	if c.Wireserver.Endpoint == "" {
		errs = multierror.Append(errs, fmt.Errorf("wireserver.endpoint must not be empty"))
	}

	if len(c.HostnameProvisioners.Backends) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("hostname_provisioners.backends must not be empty"))
	}
	for _, b := range c.HostnameProvisioners.Backends {
		if !knownHostnameBackends[b] {
			errs = multierror.Append(errs,
				fmt.Errorf("unknown hostname provisioner %q", string(b)))
		}
	}

	if len(c.UserProvisioners.Backends) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("user_provisioners.backends must not be empty"))
	}
	for _, b := range c.UserProvisioners.Backends {
		if !knownUserBackends[b] {
			errs = multierror.Append(errs,
				fmt.Errorf("unknown user provisioner %q", string(b)))
		}
	}

	if len(c.PasswordProvisioners.Backends) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("password_provisioners.backends must not be empty"))
	}
	for _, b := range c.PasswordProvisioners.Backends {
		if !knownPasswordBackends[b] {
			errs = multierror.Append(errs,
				fmt.Errorf("unknown password provisioner %q", string(b)))
		}
	}

	if c.DataDir.Path == "" {
		errs = multierror.Append(errs, fmt.Errorf("azinit_data_dir.path must not be empty"))
	}

	return errs.ErrorOrNil()
}

func validateTimeouts(section string, values ...float64) error {
	var errs *multierror.Error
	names := []string{
		"connection_timeout_secs", "read_timeout_secs",
		"retry_interval_secs", "total_retry_timeout_secs",
	}
	for i, v := range values {
		if v < 0 {
			errs = multierror.Append(errs,
				fmt.Errorf("%s.%s must be non-negative, got %v", section, names[i], v))
		}
	}
	return errs.ErrorOrNil()
}
