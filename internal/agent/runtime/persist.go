package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const sessionsDirName = ".sessions"

// SessionRef is the on-disk record of the most recent session an agent
// ran, written under <bloomDir>/.sessions/<agentName>.json so a
// restarted orchestrator can offer resume.
type SessionRef struct {
	AgentName string    `json:"agentName"`
	TaskID    string    `json:"taskId"`
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func sessionRefPath(bloomDir, agentName string) string {
	return filepath.Join(bloomDir, sessionsDirName, agentName+".json")
}

// SaveSessionRef atomically writes the session record for an agent.
func SaveSessionRef(bloomDir string, ref SessionRef) error {
	dir := filepath.Join(bloomDir, sessionsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session ref: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+ref.AgentName+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session ref: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write session ref: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close session ref: %w", err)
	}
	if err := os.Rename(tmpPath, sessionRefPath(bloomDir, ref.AgentName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename session ref: %w", err)
	}
	return nil
}

// LoadSessionRef reads the session record for an agent. Returns nil
// with no error when none exists.
func LoadSessionRef(bloomDir, agentName string) (*SessionRef, error) {
	data, err := os.ReadFile(sessionRefPath(bloomDir, agentName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session ref: %w", err)
	}
	var ref SessionRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("parse session ref: %w", err)
	}
	return &ref, nil
}

// DeleteSessionRef removes the record; missing files are not an error.
func DeleteSessionRef(bloomDir, agentName string) error {
	err := os.Remove(sessionRefPath(bloomDir, agentName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete session ref: %w", err)
	}
	return nil
}
