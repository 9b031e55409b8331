// Package wireserver implements the client for the platform management
// channel: a two-phase XML exchange that first fetches the current goalstate
// and then reports provisioning health against it.
package wireserver

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/config"
	"github.com/imamik/azinit/internal/platform/transport"
	"github.com/imamik/azinit/internal/util/retry"
)

const (
	goalstatePath = "/machine/?comp=goalstate"
	healthPath    = "/machine/?comp=health"

	agentNameHeader = "x-ms-agent-name"
	versionHeader   = "x-ms-version"
	agentName       = "azinit"
	protocolVersion = "2012-11-30"
)

// Goalstate is the platform's current state token for this VM. The
// incarnation, container id and instance id must be echoed unchanged in the
// health report that follows; they identify which goalstate the report
// answers.
type Goalstate struct {
	XMLName     xml.Name  `xml:"GoalState"`
	Version     string    `xml:"Version"`
	Incarnation string    `xml:"Incarnation"`
	Container   Container `xml:"Container"`
}

// Container groups the role instances of one goalstate.
type Container struct {
	ContainerID      string           `xml:"ContainerId"`
	RoleInstanceList RoleInstanceList `xml:"RoleInstanceList"`
}

// RoleInstanceList carries the single role instance of this VM.
type RoleInstanceList struct {
	RoleInstance RoleInstance `xml:"RoleInstance"`
}

// RoleInstance identifies this VM's role instance.
type RoleInstance struct {
	InstanceID string `xml:"InstanceId"`
}

// HealthState is the top-level provisioning state reported to the platform.
type HealthState string

const (
	HealthReady    HealthState = "Ready"
	HealthNotReady HealthState = "NotReady"
)

// SubStatusProvisioningFailed is the NotReady substatus for a failed run.
const SubStatusProvisioningFailed = "ProvisioningFailed"

// Client talks to the wireserver with the configured retry budget.
type Client struct {
	http     *http.Client
	endpoint string
	policy   retry.Policy
	logger   logr.Logger
}

// NewClient builds a wireserver client from the wireserver configuration
// section.
func NewClient(cfg config.Wireserver, logger logr.Logger) *Client {
	policy := cfg.RetryPolicy()
	return &Client{
		http:     transport.NewClient(policy.ConnectionTimeout),
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		policy:   policy,
		logger:   logger.WithName("wireserver"),
	}
}

func (c *Client) headers() http.Header {
	return http.Header{
		agentNameHeader: []string{agentName},
		versionHeader:   []string{protocolVersion},
	}
}

// Goalstate fetches and decodes the current goalstate.
func (c *Client) Goalstate(ctx context.Context) (*Goalstate, error) {
	var goalstate Goalstate

	req := transport.Request{
		Method: http.MethodGet,
		URL:    c.endpoint + goalstatePath,
		Header: c.headers(),
	}

	err := transport.Do(ctx, c.http, c.policy, c.logger, req, func(body []byte) error {
		var decoded Goalstate
		if err := xml.Unmarshal(body, &decoded); err != nil {
			return fmt.Errorf("deserializing goalstate: %w", err)
		}
		if err := validate(&decoded); err != nil {
			return retry.Permanent(err)
		}
		goalstate = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("goalstate retrieved",
		"incarnation", goalstate.Incarnation,
		"containerId", goalstate.Container.ContainerID)
	return &goalstate, nil
}

func validate(g *Goalstate) error {
	if g.Incarnation == "" {
		return fmt.Errorf("goalstate is missing Incarnation")
	}
	if g.Container.ContainerID == "" {
		return fmt.Errorf("goalstate is missing Container.ContainerId")
	}
	if g.Container.RoleInstanceList.RoleInstance.InstanceID == "" {
		return fmt.Errorf("goalstate is missing RoleInstance.InstanceId")
	}
	return nil
}

// ReportHealth submits a health document answering goalstate. The document
// echoes the goalstate's identifiers verbatim; submitting against any other
// goalstate than the last one obtained is a caller bug, not a transient
// condition. Description is only included for NotReady reports.
func (c *Client) ReportHealth(ctx context.Context, goalstate *Goalstate, state HealthState, subStatus, description string) error {
	body := buildHealthDocument(goalstate, state, subStatus, description)

	header := c.headers()
	header.Set("Content-Type", "text/xml;charset=utf-8")

	req := transport.Request{
		Method: http.MethodPost,
		URL:    c.endpoint + healthPath,
		Header: header,
		Body:   []byte(body),
	}

	if err := transport.Do(ctx, c.http, c.policy, c.logger, req, nil); err != nil {
		return err
	}

	c.logger.Info("health reported", "state", string(state), "incarnation", goalstate.Incarnation)
	return nil
}

func buildHealthDocument(goalstate *Goalstate, state HealthState, subStatus, description string) string {
	detail := ""
	if subStatus != "" {
		detail = fmt.Sprintf("\n                        <Details>\n"+
			"                            <SubStatus>%s</SubStatus>\n"+
			"                            <Description>%s</Description>\n"+
			"                        </Details>", xmlEscape(subStatus), xmlEscape(description))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<Health xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema">
    <GoalStateIncarnation>%s</GoalStateIncarnation>
    <Container>
        <ContainerId>%s</ContainerId>
        <RoleInstanceList>
            <Role>
                <InstanceId>%s</InstanceId>
                <Health>
                    <State>%s</State>%s
                </Health>
            </Role>
        </RoleInstanceList>
    </Container>
</Health>`,
		xmlEscape(goalstate.Incarnation),
		xmlEscape(goalstate.Container.ContainerID),
		xmlEscape(goalstate.Container.RoleInstanceList.RoleInstance.InstanceID),
		state, detail)
}

func xmlEscape(s string) string {
	var b strings.Builder
	// Errors from EscapeText on a strings.Builder cannot happen.
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
