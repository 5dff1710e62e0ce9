package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return nil, fmt.Errorf("%w: %s", err, exitErr.Stderr)
	}
	return out, err
}

// Manager reads per-function SOPS-encrypted secret files laid out as
// <dir>/<function>/secrets.enc.yaml.
type Manager struct {
	dir string
	run Runner
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, run: execRunner}
}

// WithRunner swaps the command runner. Tests use it to stand in for sops.
func (m *Manager) WithRunner(r Runner) *Manager {
	m.run = r
	return m
}

// SecretFile returns the path to a function's encrypted secrets file.
func (m *Manager) SecretFile(functionID string) string {
	return filepath.Join(m.dir, functionID, "secrets.enc.yaml")
}

// Resolve decrypts a function's secrets. A function without a secrets file
// has none; that is not an error.
func (m *Manager) Resolve(ctx context.Context, functionID string) (map[string]string, error) {
	if m.dir == "" {
		return nil, nil
	}
	path := m.SecretFile(functionID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	out, err := m.run(ctx, "sops", "--decrypt", path)
	if err != nil {
		return nil, fmt.Errorf("sops decrypt %s: %w", functionID, err)
	}

	var data map[string]string
	if err := yaml.Unmarshal(out, &data); err != nil {
		return nil, fmt.Errorf("unmarshal secrets for %s: %w", functionID, err)
	}
	return data, nil
}

// Keys lists secret names without their values.
func (m *Manager) Keys(ctx context.Context, functionID string) ([]string, error) {
	data, err := m.Resolve(ctx, functionID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys, nil
}
