package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"evalgo.org/metalpool/models"
)

func scriptSetPrefix(systemID string) string {
	return "scriptset:" + systemID + ":"
}

func scriptSetKey(systemID, id string) string {
	return scriptSetPrefix(systemID) + id
}

// SaveScriptSet creates or replaces a script set.
func (s *Storage) SaveScriptSet(ctx context.Context, set *models.ScriptSet) error {
	if set.ID == "" {
		set.ID = models.GenerateID("scriptset")
	}
	if set.Created.IsZero() {
		set.Created = s.now()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, scriptSetKey(set.SystemID, set.ID), set)
	})
}

// GetScriptSet returns one script set of a machine.
func (s *Storage) GetScriptSet(ctx context.Context, systemID, id string) (*models.ScriptSet, error) {
	var set models.ScriptSet
	if err := s.get(scriptSetKey(systemID, id), &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// ListScriptSets returns a machine's script sets, newest first. An empty
// result type lists every type.
func (s *Storage) ListScriptSets(ctx context.Context, systemID string, resultType models.ResultType) ([]*models.ScriptSet, error) {
	var sets []*models.ScriptSet
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, scriptSetPrefix(systemID), func(v []byte) error {
			var set models.ScriptSet
			if err := json.Unmarshal(v, &set); err != nil {
				return err
			}
			if resultType == "" || set.ResultType == resultType {
				sets = append(sets, &set)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list script sets: %w", err)
	}

	sort.Slice(sets, func(i, j int) bool {
		if sets[i].Created.Equal(sets[j].Created) {
			return sets[i].ID > sets[j].ID
		}
		return sets[i].Created.After(sets[j].Created)
	})
	return sets, nil
}

// PruneScriptSets keeps the newest keep sets of the given type and deletes
// the rest. It returns the number of sets deleted.
func (s *Storage) PruneScriptSets(ctx context.Context, systemID string, resultType models.ResultType, keep int) (int, error) {
	sets, err := s.ListScriptSets(ctx, systemID, resultType)
	if err != nil {
		return 0, err
	}
	if len(sets) <= keep {
		return 0, nil
	}

	stale := sets[keep:]
	err = s.update(ctx, func(txn *badger.Txn) error {
		for _, set := range stale {
			if err := txn.Delete([]byte(scriptSetKey(systemID, set.ID))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}
