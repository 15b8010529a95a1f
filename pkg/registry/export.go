package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// exportFormatVersion guards against importing blobs from a newer layout.
const exportFormatVersion = 1

// ExportBlob is the portable snapshot format for groups. Raw API keys are
// included: the blob is meant for migration between deployments, not for
// display, and operators handle it like any other credential file.
type ExportBlob struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Groups     []*Group  `json:"groups"`
}

// ImportResult reports the per-group outcome of an import.
type ImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Export serializes the named groups, or all non-deleted groups when ids is
// empty.
func (s *Store) Export(ctx context.Context, ids []string) ([]byte, error) {
	var groups []*Group
	if len(ids) == 0 {
		all, err := s.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		groups = all
	} else {
		for _, id := range ids {
			g, err := s.GetGroup(ctx, id)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g)
		}
	}

	blob := ExportBlob{
		Version:    exportFormatVersion,
		ExportedAt: time.Now().UTC(),
		Groups:     groups,
	}
	return json.MarshalIndent(blob, "", "  ")
}

// Import creates groups from an exported blob. Groups whose name is already
// taken are skipped; structurally invalid groups are reported without
// aborting the rest of the batch.
func (s *Store) Import(ctx context.Context, data []byte) (*ImportResult, error) {
	var blob ExportBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to parse import blob: %w", err)
	}
	if blob.Version > exportFormatVersion {
		return nil, fmt.Errorf("unsupported export version %d", blob.Version)
	}

	result := &ImportResult{}
	for _, g := range blob.Groups {
		// Imported groups get fresh identities so that re-importing the
		// same blob into the source deployment cannot collide on id.
		g.ID = ""
		err := s.CreateGroup(ctx, g)
		switch {
		case err == nil:
			result.Added++
		case IsConflict(err):
			result.Skipped++
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("group %q: %v", g.Name, err))
		}
	}

	s.logger.Info("groups imported",
		"added", result.Added,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result, nil
}
