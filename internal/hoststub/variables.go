// Package hoststub is an in-process printer host for dry runs and the
// operator console. Commands are logged instead of executed and saved
// variables are kept in a JSON file.
package hoststub

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Variables is a file-backed store of persisted variables, the stand-in for
// Klipper's save_variables file
type Variables struct {
	filePath string
	data     map[string]any
	mu       sync.RWMutex
}

// NewVariables loads the store from filePath. A missing file starts empty.
func NewVariables(filePath string) (*Variables, error) {
	v := &Variables{
		filePath: filePath,
		data:     make(map[string]any),
	}

	if err := v.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load variables: %w", err)
		}
	}

	return v, nil
}

// Get returns one variable
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	val, ok := v.data[name]
	return val, ok
}

// Set stores a variable and writes the file
func (v *Variables) Set(name string, value any) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	prev, had := v.data[name]
	v.data[name] = value
	if err := v.save(); err != nil {
		if had {
			v.data[name] = prev
		} else {
			delete(v.data, name)
		}
		return fmt.Errorf("save variables: %w", err)
	}
	return nil
}

// All returns a copy of every variable
func (v *Variables) All() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	result := make(map[string]any, len(v.data))
	for k, val := range v.data {
		result[k] = val
	}
	return result
}

func (v *Variables) load() error {
	data, err := os.ReadFile(v.filePath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &v.data)
}

func (v *Variables) save() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(v.filePath, data, 0644)
}
