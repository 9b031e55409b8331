package provisioning

import (
	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/kvp"
)

const kvpReportKey = "PROVISIONING_REPORT"

// KvpObserver forwards run outcomes to the Hyper-V KVP pool so the host can
// see provisioning results without guest access. Telemetry never affects the
// run: append failures are logged and swallowed.
type KvpObserver struct {
	writer *kvp.Writer
	agent  string
	logger logr.Logger
	fields map[string]string
}

// NewKvpObserver creates a KVP-backed observer. agent identifies this build
// in the reports, typically "azinit-<version>".
func NewKvpObserver(writer *kvp.Writer, agent string, logger logr.Logger) *KvpObserver {
	return &KvpObserver{
		writer: writer,
		agent:  agent,
		logger: logger.WithName("kvp"),
		fields: make(map[string]string),
	}
}

// Event implements Observer. Only run outcomes are reported; per-phase
// events stay on the console.
func (o *KvpObserver) Event(event Event) {
	vmID := event.Fields["vmId"]
	if vmID == "" {
		vmID = o.fields["vmId"]
	}

	var report kvp.Report
	switch event.Type {
	case EventProvisioningCompleted:
		report = kvp.SuccessReport(o.agent, vmID, event.Timestamp)
	case EventProvisioningFailed:
		report = kvp.FailureReport(o.agent, vmID, event.Timestamp, event.Message)
	default:
		return
	}

	line, err := report.Encode()
	if err != nil {
		o.logger.Error(err, "encoding kvp report")
		return
	}
	if err := o.writer.Append(kvpReportKey, line); err != nil {
		o.logger.Error(err, "appending kvp report")
	}
}

// WithFields implements Observer.
func (o *KvpObserver) WithFields(fields map[string]string) Observer {
	newFields := make(map[string]string, len(o.fields)+len(fields))
	for k, v := range o.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &KvpObserver{writer: o.writer, agent: o.agent, logger: o.logger, fields: newFields}
}
