package database

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Inventory is the machines file format:
//
//	machines:
//	  - id: build-1
//	    name: Build box
//	    host: 10.0.0.12
//	    username: dev
//	    private_key_path: ~/.ssh/id_ed25519
type Inventory struct {
	Machines []Machine `yaml:"machines"`
}

// LoadInventory reads and validates a machines file.
func LoadInventory(path string) ([]Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machines file: %w", err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse machines file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(inv.Machines))
	for i, m := range inv.Machines {
		if m.ID == "" {
			return nil, fmt.Errorf("machine %d: id is empty", i)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("machine %s: duplicate id", m.ID)
		}
		seen[m.ID] = true
		if err := m.Params().Validate(); err != nil {
			return nil, fmt.Errorf("machine %s: %w", m.ID, err)
		}
	}
	return inv.Machines, nil
}

// ImportInventory upserts every machine in the file at path.
func (s *Store) ImportInventory(ctx context.Context, path string) (int, error) {
	machines, err := LoadInventory(path)
	if err != nil {
		return 0, err
	}
	for _, m := range machines {
		if err := s.UpsertMachine(ctx, m); err != nil {
			return 0, fmt.Errorf("save machine %s: %w", m.ID, err)
		}
	}
	return len(machines), nil
}
