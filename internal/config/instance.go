package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// InstanceID returns the stable per-user identity of this installation,
// generating and persisting a fresh UUID on first use.
func InstanceID() (string, error) {
	path := filepath.Join(ConfigDir(), "instance-id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt file, regenerate below.
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to persist instance id: %w", err)
	}
	return id, nil
}

// MachineID returns a stable hash of host, user and platform. Two instances
// with the same machine id run on the same box.
func MachineID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}

	sum := sha256.Sum256([]byte(hostname + "|" + user + "|" + runtime.GOOS))
	return hex.EncodeToString(sum[:8])
}
