package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const metadataFileName = "daemon.json"

// Metadata is the connection handshake the daemon leaves for clients. It
// contains the auth token, so it is written 0600 and atomically.
type Metadata struct {
	Port     int    `json:"port,omitempty"`
	HTTPPort int    `json:"httpPort,omitempty"`
	// Transport names the modes actually serving: socket, http or dual.
	Transport        string `json:"transport"`
	Token            string `json:"token"`
	PID              int    `json:"pid"`
	ProcessStartTime string `json:"processStartTime"`
	Version          string `json:"version"`
	// CodeSignature fingerprints the daemon binary so clients can detect a
	// stale daemon after an upgrade.
	CodeSignature string `json:"codeSignature,omitempty"`
	StateDir      string `json:"stateDir"`
}

// MetadataPath returns the metadata location under a state dir.
func MetadataPath(stateDir string) string {
	return filepath.Join(stateDir, metadataFileName)
}

// WriteMetadata persists the handshake atomically with owner-only
// permissions.
func WriteMetadata(stateDir string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding daemon metadata: %w", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(MetadataPath(stateDir), data, 0o600); err != nil {
		return fmt.Errorf("writing daemon metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads and sanity-checks the handshake.
func ReadMetadata(stateDir string) (*Metadata, error) {
	data, err := os.ReadFile(MetadataPath(stateDir))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing daemon metadata: %w", err)
	}
	if meta.PID <= 0 || meta.Token == "" {
		return nil, fmt.Errorf("daemon metadata is incomplete")
	}
	if meta.Port == 0 && meta.HTTPPort == 0 {
		return nil, fmt.Errorf("daemon metadata names no ports")
	}
	return &meta, nil
}

// RemoveMetadata deletes the handshake. Missing is fine.
func RemoveMetadata(stateDir string) {
	_ = os.Remove(MetadataPath(stateDir))
}
