package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Default().Validate())
}

func TestValidate_NegativeTimeout(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.IMDS.ConnectionTimeoutSecs = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imds.connection_timeout_secs must be non-negative")
}

func TestValidate_EmptyBackendList(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.UserProvisioners.Backends = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_provisioners.backends must not be empty")
}

func TestValidate_UnknownVariant(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.PasswordProvisioners.Backends = []PasswordBackend{"chpasswd"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown password provisioner "chpasswd"`)
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.IMDS.Endpoint = ""
	cfg.Wireserver.TotalRetryTimeoutSecs = -5
	cfg.HostnameProvisioners.Backends = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imds.endpoint")
	assert.Contains(t, err.Error(), "wireserver.total_retry_timeout_secs")
	assert.Contains(t, err.Error(), "hostname_provisioners.backends")
}

func TestRetryPolicy_Derivation(t *testing.T) {
	t.Parallel()
	imds := IMDS{
		ConnectionTimeoutSecs: 30,
		ReadTimeoutSecs:       60,
		RetryIntervalSecs:     0.5,
		TotalRetryTimeoutSecs: 300,
	}

	p := imds.RetryPolicy()
	assert.Equal(t, 30*time.Second, p.ConnectionTimeout)
	assert.Equal(t, 60*time.Second, p.ReadTimeout)
	assert.Equal(t, 500*time.Millisecond, p.RetryInterval)
	assert.Equal(t, 300*time.Second, p.TotalTimeout)
}
