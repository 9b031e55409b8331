package wireserver

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
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

const goalstateBody = `<?xml version="1.0" encoding="utf-8"?>
<GoalState xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema">
  <Version>2012-11-30</Version>
  <Incarnation>1</Incarnation>
  <Machine>
    <ExpectedState>Started</ExpectedState>
  </Machine>
  <Container>
    <ContainerId>374188df-b0a2-456a-a7b2-83f28b18d36f</ContainerId>
    <RoleInstanceList>
      <RoleInstance>
        <InstanceId>7d2798bb72a0413d9a60b355277df726.0</InstanceId>
        <State>Started</State>
      </RoleInstance>
    </RoleInstanceList>
  </Container>
</GoalState>`

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(config.Wireserver{
		Endpoint:              url,
		ConnectionTimeoutSecs: 1,
		ReadTimeoutSecs:       1,
		RetryIntervalSecs:     0.005,
		TotalRetryTimeoutSecs: 0.05,
	}, logr.Discard())
}

func TestGoalstate_DecodesDocument(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/machine/", r.URL.Path)
		assert.Equal(t, "goalstate", r.URL.Query().Get("comp"))
		assert.Equal(t, "azinit", r.Header.Get("x-ms-agent-name"))
		assert.Equal(t, "2012-11-30", r.Header.Get("x-ms-version"))
		fmt.Fprint(w, goalstateBody)
	}))
	defer srv.Close()

	gs, err := testClient(t, srv.URL).Goalstate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1", gs.Incarnation)
	assert.Equal(t, "374188df-b0a2-456a-a7b2-83f28b18d36f", gs.Container.ContainerID)
	assert.Equal(t, "7d2798bb72a0413d9a60b355277df726.0", gs.Container.RoleInstanceList.RoleInstance.InstanceID)
}

func TestGoalstate_MalformedXMLExhaustsRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "<GoalState><unclosed>")
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Goalstate(context.Background())
	require.ErrorIs(t, err, retry.ErrDeadlineExceeded)
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "malformed goalstates must be retried")
}

func TestGoalstate_MissingIdentityIsPermanent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no incarnation",
			body: `<GoalState><Container><ContainerId>c</ContainerId><RoleInstanceList><RoleInstance><InstanceId>i</InstanceId></RoleInstance></RoleInstanceList></Container></GoalState>`,
			want: "Incarnation",
		},
		{
			name: "no container id",
			body: `<GoalState><Incarnation>1</Incarnation><Container><RoleInstanceList><RoleInstance><InstanceId>i</InstanceId></RoleInstance></RoleInstanceList></Container></GoalState>`,
			want: "ContainerId",
		},
		{
			name: "no instance id",
			body: `<GoalState><Incarnation>1</Incarnation><Container><ContainerId>c</ContainerId></Container></GoalState>`,
			want: "InstanceId",
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

			_, err := testClient(t, srv.URL).Goalstate(context.Background())
			require.Error(t, err)
			assert.NotErrorIs(t, err, retry.ErrDeadlineExceeded)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, int32(1), calls.Load(), "identity gaps must not be retried")
		})
	}
}

func TestReportHealth_EchoesGoalstateIdentity(t *testing.T) {
	t.Parallel()
	type health struct {
		GoalStateIncarnation string `xml:"GoalStateIncarnation"`
		Container            struct {
			ContainerID      string `xml:"ContainerId"`
			RoleInstanceList struct {
				Role struct {
					InstanceID string `xml:"InstanceId"`
					Health     struct {
						State   string `xml:"State"`
						Details struct {
							SubStatus   string `xml:"SubStatus"`
							Description string `xml:"Description"`
						} `xml:"Details"`
					} `xml:"Health"`
				} `xml:"Role"`
			} `xml:"RoleInstanceList"`
		} `xml:"Container"`
	}

	var posted health
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("comp") == "goalstate" {
			fmt.Fprint(w, goalstateBody)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "health", r.URL.Query().Get("comp"))
		assert.Equal(t, "text/xml;charset=utf-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "azinit", r.Header.Get("x-ms-agent-name"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, xml.Unmarshal(body, &posted))
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	gs, err := client.Goalstate(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.ReportHealth(context.Background(), gs, HealthReady, "", ""))

	assert.Equal(t, "1", posted.GoalStateIncarnation)
	assert.Equal(t, "374188df-b0a2-456a-a7b2-83f28b18d36f", posted.Container.ContainerID)
	assert.Equal(t, "7d2798bb72a0413d9a60b355277df726.0", posted.Container.RoleInstanceList.Role.InstanceID)
	assert.Equal(t, "Ready", posted.Container.RoleInstanceList.Role.Health.State)
	assert.Empty(t, posted.Container.RoleInstanceList.Role.Health.Details.SubStatus)

	require.NoError(t, client.ReportHealth(context.Background(), gs,
		HealthNotReady, SubStatusProvisioningFailed, "user creation failed"))
	assert.Equal(t, "NotReady", posted.Container.RoleInstanceList.Role.Health.State)
	assert.Equal(t, "ProvisioningFailed", posted.Container.RoleInstanceList.Role.Health.Details.SubStatus)
	assert.Equal(t, "user creation failed", posted.Container.RoleInstanceList.Role.Health.Details.Description)
}

func TestReportHealth_TransientStatusRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer srv.Close()

	client := NewClient(config.Wireserver{
		Endpoint:              srv.URL,
		ConnectionTimeoutSecs: 1,
		ReadTimeoutSecs:       1,
		RetryIntervalSecs:     0.005,
		TotalRetryTimeoutSecs: 5,
	}, logr.Discard())

	gs := &Goalstate{Incarnation: "1", Container: Container{ContainerID: "c",
		RoleInstanceList: RoleInstanceList{RoleInstance: RoleInstance{InstanceID: "i"}}}}

	require.NoError(t, client.ReportHealth(context.Background(), gs, HealthReady, "", ""))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBuildHealthDocument_EscapesDescription(t *testing.T) {
	t.Parallel()
	gs := &Goalstate{Incarnation: "1", Container: Container{ContainerID: "c",
		RoleInstanceList: RoleInstanceList{RoleInstance: RoleInstance{InstanceID: "i"}}}}

	doc := buildHealthDocument(gs, HealthNotReady, SubStatusProvisioningFailed, `exit status 1: <stderr> & more`)
	assert.Contains(t, doc, "exit status 1: &lt;stderr&gt; &amp; more")
	assert.NotContains(t, doc, "<stderr>")
}
