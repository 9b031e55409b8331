package imds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/util/retry"
)

const metadataBody = `
{
  "compute": {
    "azEnvironment": "cloud_env",
    "location": "eastus",
    "name": "AzTux-MinProvAgent-Test-0001",
    "vmId": "11111111-2222-3333-4444-555555555555",
    "osProfile": {
      "adminUsername": "MinProvAgentUser",
      "computerName": "AzTux-MinProvAgent-Test-0001",
      "disablePasswordAuthentication": "true"
    },
    "publicKeys": [
      {
        "keyData": "ssh-rsa test_key1",
        "path": "/path/to/.ssh/authorized_keys"
      },
      {
        "keyData": "ssh-rsa test_key2",
        "path": "/path/to/.ssh/authorized_keys"
      }
    ]
  }
}`

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(config.IMDS{
		Endpoint:              url,
		ConnectionTimeoutSecs: 1,
		ReadTimeoutSecs:       1,
		RetryIntervalSecs:     0.005,
		TotalRetryTimeoutSecs: 0.05,
	}, logr.Discard())
}

func TestQuery_DecodesMetadata(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.Header.Get("Metadata"))
		fmt.Fprint(w, metadataBody)
	}))
	defer srv.Close()

	md, err := testClient(t, srv.URL).Query(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "11111111-2222-3333-4444-555555555555", md.Compute.VMID)
	assert.Equal(t, "MinProvAgentUser", md.Compute.OSProfile.AdminUsername)
	assert.Equal(t, "AzTux-MinProvAgent-Test-0001", md.Compute.OSProfile.ComputerName)
	assert.True(t, bool(md.Compute.OSProfile.DisablePasswordAuthentication))
	require.Len(t, md.Compute.PublicKeys, 2)
	assert.Equal(t, "ssh-rsa test_key1", md.Compute.PublicKeys[0].KeyData)
}

func TestQuery_MalformedBodyExhaustsRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "not json, whoops")
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Query(context.Background())
	require.ErrorIs(t, err, retry.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "malformed bodies must be retried")
}

func TestQuery_MissingRequiredFieldIsPermanent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing computerName",
			body: `{"compute": {"osProfile": {"adminUsername": "u", "disablePasswordAuthentication": "true"}, "publicKeys": []}}`,
			want: "computerName",
		},
		{
			name: "missing adminUsername",
			body: `{"compute": {"osProfile": {"computerName": "c", "disablePasswordAuthentication": "true"}, "publicKeys": []}}`,
			want: "adminUsername",
		},
		{
			name: "missing disablePasswordAuthentication",
			body: `{"compute": {"osProfile": {"adminUsername": "u", "computerName": "c"}, "publicKeys": []}}`,
			want: "disablePasswordAuthentication",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := testClient(t, srv.URL).Query(context.Background())
			require.Error(t, err)
			assert.NotErrorIs(t, err, retry.ErrDeadlineExceeded)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, int32(1), calls.Load(), "shape mismatches must not be retried")
		})
	}
}

func TestQuery_TransientStatusThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, metadataBody)
	}))
	defer srv.Close()

	client := NewClient(config.IMDS{
		Endpoint:              srv.URL,
		ConnectionTimeoutSecs: 1,
		ReadTimeoutSecs:       1,
		RetryIntervalSecs:     0.005,
		TotalRetryTimeoutSecs: 5,
	}, logr.Discard())

	md, err := client.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "MinProvAgentUser", md.Compute.OSProfile.AdminUsername)
}

func TestStringBool_Forms(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		payload string
		want    bool
		wantErr bool
	}{
		{name: "string true", payload: `"true"`, want: true},
		{name: "string false", payload: `"false"`, want: false},
		{name: "bare true", payload: `true`, want: true},
		{name: "bare false", payload: `false`, want: false},
		{name: "nonsense string", payload: `"nonsense"`, wantErr: true},
		{name: "number", payload: `1`, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var b StringBool
			err := json.Unmarshal([]byte(tc.payload), &b)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, bool(b))
		})
	}
}
