package model

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const ManifestFile = "function.yaml"

// LoadFunctionManifest parses one function.yaml. The function id defaults to
// the manifest's directory name.
func LoadFunctionManifest(path string) (*Function, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fn Function
	if err := yaml.Unmarshal(data, &fn); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if fn.ID == "" {
		fn.ID = filepath.Base(filepath.Dir(path))
	}
	if fn.Name == "" {
		fn.Name = fn.ID
	}
	if fn.Runtime == "" {
		return nil, fmt.Errorf("%s: runtime is required", path)
	}
	if fn.MemoryMB <= 0 {
		fn.MemoryMB = 128
	}
	return &fn, nil
}

// DiscoverFunctions scans the given directory for subdirectories containing
// function.yaml and returns the parsed manifests. Unreadable or invalid
// manifests are skipped.
func DiscoverFunctions(dir string) ([]*Function, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var fns []*Function
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fn, err := LoadFunctionManifest(filepath.Join(dir, entry.Name(), ManifestFile))
		if err != nil {
			continue
		}
		fns = append(fns, fn)
	}
	return fns, nil
}
