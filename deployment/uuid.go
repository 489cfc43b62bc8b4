// Package deployment gives each control-plane instance a stable identity.
// The UUID is generated once and persisted next to the database file, so it
// survives restarts and shows up consistently in logs and telemetry.
package deployment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const uuidFileName = "instance-uuid.txt"

// InstanceID is the persistent identifier of this control-plane instance.
type InstanceID struct {
	value    string
	filePath string
}

// LoadOrCreate reads the instance UUID from dataDir, generating and
// persisting a fresh one when the file does not exist yet.
func LoadOrCreate(dataDir string) (*InstanceID, error) {
	filePath := filepath.Join(dataDir, uuidFileName)

	data, err := os.ReadFile(filePath)
	if err == nil {
		value := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(value); err != nil {
			return nil, fmt.Errorf("invalid instance UUID in %s: %w", filePath, err)
		}
		return &InstanceID{value: value, filePath: filePath}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read instance UUID file %s: %w", filePath, err)
	}

	value := uuid.NewString()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dataDir, err)
	}
	if err := os.WriteFile(filePath, []byte(value+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write instance UUID to %s: %w", filePath, err)
	}

	return &InstanceID{value: value, filePath: filePath}, nil
}

// String returns the UUID value.
func (id *InstanceID) String() string {
	return id.value
}

// FilePath returns where the UUID is persisted.
func (id *InstanceID) FilePath() string {
	return id.filePath
}
