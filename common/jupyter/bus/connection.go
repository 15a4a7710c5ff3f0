package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	ErrInvalidConnectionFile = errors.New("invalid connection file")

	connectionFileRecognizer = regexp.MustCompile(`^kernel-([0-9A-Za-z_.-]+)\.json$`)
)

// ConnectionInfo stores the contents of a kernel connection file.
type ConnectionInfo struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ControlPort     int    `json:"control_port"`
	ShellPort       int    `json:"shell_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	IOPubPort       int    `json:"iopub_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		return fmt.Sprintf("ConnectionInfo[%v]", err)
	}

	return string(m)
}

// Address returns the address of the given port, e.g. "tcp://127.0.0.1:9001".
func (info *ConnectionInfo) Address(port int) string {
	transport := info.Transport
	if transport == "" {
		transport = "tcp"
	}

	if transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", info.IP, port)
	}
	return fmt.Sprintf("%s://%s:%d", transport, info.IP, port)
}

// Validate checks that every port needed by the relay is set.
func (info *ConnectionInfo) Validate() error {
	if info.IP == "" {
		return errors.Wrap(ErrInvalidConnectionFile, "missing ip")
	}
	if info.ShellPort <= 0 || info.IOPubPort <= 0 || info.HBPort <= 0 {
		return errors.Wrapf(ErrInvalidConnectionFile, "missing port (shell=%d, iopub=%d, hb=%d)",
			info.ShellPort, info.IOPubPort, info.HBPort)
	}
	return nil
}

// LoadConnectionFile reads and validates a kernel connection file.
func LoadConnectionFile(path string) (*ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read connection file %s", path)
	}

	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(ErrInvalidConnectionFile, "%s: %v", path, err)
	}

	if err := info.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}

	return &info, nil
}

// KernelIDFromConnectionFile extracts the kernel id from a connection file name such as "kernel-<id>.json".
func KernelIDFromConnectionFile(path string) (string, bool) {
	matches := connectionFileRecognizer.FindStringSubmatch(filepath.Base(path))
	if matches == nil {
		return "", false
	}
	return matches[1], true
}
