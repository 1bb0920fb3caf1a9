// Cascade consistency: dependent-record closure and atomic removal.
package store

import (
	"database/sql"
	"strings"

	"github.com/kittclouds/lorekit/pkg/logger"
)

// CollectDescendants walks the parent→children relation breadth-first and
// returns the root plus every transitive child. The relation is built from
// a full scan; hierarchies are small relative to total records. A visited
// set guards against cycles even though the data is expected to be a tree.
func (s *SQLiteStore) CollectDescendants(rootID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return collectDescendants(s.db, rootID)
}

func collectDescendants(q querier, rootID string) ([]string, error) {
	rows, err := q.Query(`SELECT id, parent_id FROM fragments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	children := make(map[string][]string)
	for rows.Next() {
		var id string
		var parentID sql.NullString
		if err := rows.Scan(&id, &parentID); err != nil {
			return nil, err
		}
		if parentID.Valid && parentID.String != "" {
			children[parentID.String] = append(children[parentID.String], id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visited := map[string]bool{rootID: true}
	order := []string{rootID}
	queue := []string{rootID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			if visited[child] {
				logger.Warn("cascade: cycle detected at fragment %s, skipping revisit", child)
				continue
			}
			visited[child] = true
			order = append(order, child)
			queue = append(queue, child)
		}
	}
	return order, nil
}

// DeleteCascade removes a root and its full dependent closure as one
// transaction: every descendant fragment, its embedding, any entity record
// sharing a deleted id, relationship edges touching deleted ids from either
// endpoint, and patch-index rows for deleted entities. A mid-cascade
// failure rolls back to the pre-deletion state.
func (s *SQLiteStore) DeleteCascade(rootID string) (*CascadeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The closure is computed inside the transaction so it cannot go
	// stale between traversal and removal.
	ids, err := collectDescendants(tx, rootID)
	if err != nil {
		return nil, err
	}

	result := &CascadeResult{FragmentIDs: ids}
	ph := placeholders(len(ids))
	args := toArgs(ids)

	n, err := execCount(tx, `DELETE FROM embeddings WHERE fragment_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, err
	}
	result.Embeddings = n

	if _, err := tx.Exec(`DELETE FROM fragments WHERE id IN (`+ph+`)`, args...); err != nil {
		return nil, err
	}

	if s.cascadeFault != nil {
		if err := s.cascadeFault(); err != nil {
			return nil, err
		}
	}

	n, err = execCount(tx, `DELETE FROM entities WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, err
	}
	result.Entities = n

	n, err = execCount(tx, `
		DELETE FROM relationships
		WHERE from_entity_id IN (`+ph+`) OR to_entity_id IN (`+ph+`)`,
		append(append([]any{}, args...), args...)...)
	if err != nil {
		return nil, err
	}
	result.Relationships = n

	n, err = execCount(tx, `DELETE FROM patch_index WHERE entity_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, err
	}
	result.IndexEntries = n

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteWorkspace tears down a top-level aggregate: every fragment,
// embedding, entity, relationship, patch, and index row scoped to the
// workspace, in one transaction.
func (s *SQLiteStore) DeleteWorkspace(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entityIDs, err := columnIDs(tx, `SELECT id FROM entities WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return err
	}
	patchIDs, err := columnIDs(tx, `SELECT id FROM patches WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		DELETE FROM embeddings WHERE fragment_id IN
			(SELECT id FROM fragments WHERE workspace_id = ?)
	`, workspaceID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM fragments WHERE workspace_id = ?`, workspaceID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entities WHERE workspace_id = ?`, workspaceID); err != nil {
		return err
	}
	if len(entityIDs) > 0 {
		ph := placeholders(len(entityIDs))
		args := toArgs(entityIDs)
		if _, err := tx.Exec(`
			DELETE FROM relationships
			WHERE from_entity_id IN (`+ph+`) OR to_entity_id IN (`+ph+`)`,
			append(append([]any{}, args...), args...)...); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM patch_index WHERE entity_id IN (`+ph+`)`, args...); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM patches WHERE workspace_id = ?`, workspaceID); err != nil {
		return err
	}
	if len(patchIDs) > 0 {
		ph := placeholders(len(patchIDs))
		if _, err := tx.Exec(`DELETE FROM patch_index WHERE patch_id IN (`+ph+`)`,
			toArgs(patchIDs)...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// =============================================================================
// Helpers
// =============================================================================

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func execCount(q querier, query string, args ...any) (int, error) {
	res, err := q.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func columnIDs(q querier, query string, args ...any) ([]string, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
