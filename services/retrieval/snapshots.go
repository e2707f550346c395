// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticSnapshotSets resolves snapshot-set membership from a fixed
// table, typically loaded once at startup from a YAML file:
//
//	snapshot_sets:
//	  release-2025-q3:
//	    - snap-2025-07-01
//	    - snap-2025-08-01
//
// The table is read-only after construction, so lookups need no lock.
type StaticSnapshotSets struct {
	sets map[string][]string
}

// NewStaticSnapshotSets wraps an in-memory table.
func NewStaticSnapshotSets(sets map[string][]string) *StaticSnapshotSets {
	if sets == nil {
		sets = map[string][]string{}
	}
	return &StaticSnapshotSets{sets: sets}
}

// LoadSnapshotSets reads the YAML table from path.
func LoadSnapshotSets(path string) (*StaticSnapshotSets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot sets %q: %w", path, err)
	}
	var doc struct {
		SnapshotSets map[string][]string `yaml:"snapshot_sets"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse snapshot sets %q: %w", path, err)
	}
	return NewStaticSnapshotSets(doc.SnapshotSets), nil
}

// AllowedSnapshots returns the snapshot ids a set permits. An unknown
// set id resolves to an empty list, which callers treat as
// deny-everything.
func (s *StaticSnapshotSets) AllowedSnapshots(_ context.Context, snapshotSetID string) ([]string, error) {
	ids, ok := s.sets[snapshotSetID]
	if !ok {
		return nil, fmt.Errorf("unknown snapshot set %q", snapshotSetID)
	}
	return append([]string{}, ids...), nil
}
