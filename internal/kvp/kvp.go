// Package kvp writes telemetry records into the Hyper-V key-value-pair pool
// file, the guest-to-host channel the platform polls for provisioning
// diagnostics. Pool records are fixed-size: a NUL-padded 512-byte key
// followed by a NUL-padded 2048-byte value.
package kvp

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// Record geometry fixed by the Hyper-V KVP exchange protocol.
	keySize   = 512
	valueSize = 2048

	// DefaultPoolPath is guest-to-host pool 1, the one the host polls for
	// diagnostics.
	DefaultPoolPath = "/var/lib/hyperv/.kvp_pool_1"
)

// Report is the provisioning outcome record sent to the host.
type Report struct {
	Result    string
	Agent     string
	PPSType   string
	VMID      string
	Timestamp time.Time
	// Reason carries the failure description; empty for success reports.
	Reason string
}

// SuccessReport builds the record for a completed provisioning run.
func SuccessReport(agent, vmID string, at time.Time) Report {
	return Report{Result: "success", Agent: agent, PPSType: "None", VMID: vmID, Timestamp: at}
}

// FailureReport builds the record for a failed provisioning run.
func FailureReport(agent, vmID string, at time.Time, reason string) Report {
	return Report{Result: "error", Agent: agent, PPSType: "None", VMID: vmID, Timestamp: at, Reason: reason}
}

// Encode renders the report as a single pipe-delimited line. Fields that
// themselves contain pipes or quotes are quoted CSV-style so the host side
// can split unambiguously.
func (r Report) Encode() (string, error) {
	fields := []string{
		"result=" + r.Result,
		"agent=" + r.Agent,
		"pps_type=" + r.PPSType,
		"vm_id=" + r.VMID,
		"timestamp=" + r.Timestamp.UTC().Format(time.RFC3339),
	}
	if r.Reason != "" {
		fields = append(fields, "reason="+r.Reason)
	}

	var b strings.Builder
	w := csv.NewWriter(&b)
	w.Comma = '|'
	if err := w.Write(fields); err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// Writer appends records to a KVP pool file.
type Writer struct {
	path string
}

// NewWriter returns a writer for the pool file at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes one key/value entry to the pool. Values longer than a
// record's value slot are split into numbered chunks so nothing is silently
// truncated. The pool file is shared with the hypervisor's KVP daemon, so
// the write happens under an exclusive flock.
func (w *Writer) Append(key, value string) error {
	if len(key) > keySize-1 {
		return fmt.Errorf("kvp key %q exceeds %d bytes", key, keySize-1)
	}

	chunks := chunkValue(value)
	records := make([]byte, 0, len(chunks)*(keySize+valueSize))
	for i, chunk := range chunks {
		recordKey := key
		if len(chunks) > 1 {
			recordKey = fmt.Sprintf("%s|KVP|%d|", key, i)
			if len(recordKey) > keySize-1 {
				return fmt.Errorf("kvp key %q exceeds %d bytes", recordKey, keySize-1)
			}
		}
		records = append(records, pad(recordKey, keySize)...)
		records = append(records, pad(chunk, valueSize)...)
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening kvp pool %s: %w", w.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking kvp pool %s: %w", w.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.Write(records); err != nil {
		return fmt.Errorf("appending to kvp pool %s: %w", w.path, err)
	}
	return nil
}

func chunkValue(value string) []string {
	// Leave room for the terminating NUL the daemon expects.
	max := valueSize - 1
	if value == "" {
		return []string{""}
	}
	var chunks []string
	for len(value) > max {
		chunks = append(chunks, value[:max])
		value = value[max:]
	}
	return append(chunks, value)
}

func pad(s string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, s)
	return buf
}
