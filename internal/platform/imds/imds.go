// Package imds implements the client for the instance metadata service, the
// read-only platform endpoint exposing compute facts for this boot.
package imds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/platform/transport"
	"github.com/imamik/azinit/internal/util/retry"
)

// PublicKey is one SSH public key entry from instance metadata.
type PublicKey struct {
	// KeyData is the OpenSSH-formatted public key.
	KeyData string `json:"keyData"`
	// Path is where the platform expects the key to be stored.
	Path string `json:"path"`
}

// StringBool accepts the metadata service's string-typed booleans ("true" /
// "false") alongside plain JSON booleans.
type StringBool bool

func (b *StringBool) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = StringBool(v)
	case string:
		switch v {
		case "true":
			*b = true
		case "false":
			*b = false
		default:
			return fmt.Errorf("expected \"true\" or \"false\", got %q", v)
		}
	default:
		return fmt.Errorf("expected a boolean, got %T", raw)
	}
	return nil
}

// OSProfile describes the desired operating system state for the VM.
type OSProfile struct {
	AdminUsername                 string     `json:"adminUsername"`
	ComputerName                  string     `json:"computerName"`
	DisablePasswordAuthentication StringBool `json:"disablePasswordAuthentication"`

	// passwordAuthenticationPresent records whether the flag was in the
	// decoded body. The flag steers the provisioning-media path, so it must
	// never be a zero-value default.
	passwordAuthenticationPresent bool
}

func (p *OSProfile) UnmarshalJSON(data []byte) error {
	var raw struct {
		AdminUsername                 string      `json:"adminUsername"`
		ComputerName                  string      `json:"computerName"`
		DisablePasswordAuthentication *StringBool `json:"disablePasswordAuthentication"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.AdminUsername = raw.AdminUsername
	p.ComputerName = raw.ComputerName
	if raw.DisablePasswordAuthentication != nil {
		p.DisablePasswordAuthentication = *raw.DisablePasswordAuthentication
		p.passwordAuthenticationPresent = true
	}
	return nil
}

// Compute is the compute section of instance metadata.
type Compute struct {
	VMID       string      `json:"vmId"`
	OSProfile  OSProfile   `json:"osProfile"`
	PublicKeys []PublicKey `json:"publicKeys"`
}

// InstanceMetadata is the decoded metadata snapshot for this boot. It is
// immutable once returned by Query.
type InstanceMetadata struct {
	Compute Compute `json:"compute"`
}

// Client fetches instance metadata with the configured retry budget.
type Client struct {
	http     *http.Client
	endpoint string
	policy   retry.Policy
	logger   logr.Logger
}

// NewClient builds an IMDS client from the imds configuration section.
func NewClient(cfg config.IMDS, logger logr.Logger) *Client {
	policy := cfg.RetryPolicy()
	return &Client{
		http:     transport.NewClient(policy.ConnectionTimeout),
		endpoint: cfg.Endpoint,
		policy:   policy,
		logger:   logger.WithName("imds"),
	}
}

// Query fetches and decodes the instance metadata for this boot.
//
// A body that fails to parse is retried (the service may not be ready), but
// a parsed body missing the required nested fields is a permanent decode
// error: retrying cannot make the platform send a different shape.
func (c *Client) Query(ctx context.Context) (*InstanceMetadata, error) {
	var metadata InstanceMetadata

	req := transport.Request{
		Method: http.MethodGet,
		URL:    c.endpoint,
		// The marker header identifying the request as platform-internal.
		Header: http.Header{"Metadata": []string{"true"}},
	}

	err := transport.Do(ctx, c.http, c.policy, c.logger, req, func(body []byte) error {
		var decoded InstanceMetadata
		if err := json.Unmarshal(body, &decoded); err != nil {
			return fmt.Errorf("deserializing instance metadata: %w", err)
		}
		if err := validate(&decoded); err != nil {
			return retry.Permanent(err)
		}
		metadata = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("instance metadata retrieved",
		"vmId", metadata.Compute.VMID,
		"computerName", metadata.Compute.OSProfile.ComputerName,
		"publicKeys", len(metadata.Compute.PublicKeys))
	return &metadata, nil
}

func validate(m *InstanceMetadata) error {
	if m.Compute.OSProfile.AdminUsername == "" {
		return fmt.Errorf("instance metadata is missing compute.osProfile.adminUsername")
	}
	if m.Compute.OSProfile.ComputerName == "" {
		return fmt.Errorf("instance metadata is missing compute.osProfile.computerName")
	}
	if !m.Compute.OSProfile.passwordAuthenticationPresent {
		return fmt.Errorf("instance metadata is missing compute.osProfile.disablePasswordAuthentication")
	}
	return nil
}
