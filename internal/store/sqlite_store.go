// SQLite implementation of the Storer contract.
// Uses ncruces/go-sqlite3/driver which provides a database/sql interface.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// CurrentSchemaVersion is bumped whenever the on-disk layout changes.
// Opening a store with an older marker fails before the engine runs.
const CurrentSchemaVersion = 1

// ErrSchemaVersion is returned when the on-disk layout predates this build.
var ErrSchemaVersion = fmt.Errorf("store: schema version mismatch")

// SQLiteStore is the SQLite-backed data store.
// Thread-safe for concurrent callers; the transaction boundary is the only
// synchronization primitive exposed to the rest of the engine.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB

	// cascadeFault, when set, is invoked mid-cascade to force a rollback.
	// Test seam only.
	cascadeFault func() error
}

// schema defines all tables for the indexing and mutation engine.
// No foreign keys — referential integrity is managed at application level,
// with cascade deletes computing the dependent closure explicitly.
const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Manuscript fragments. Chunk children reference their owner via parent_id
-- and carry deterministic ids derived from (parent_id, index).
CREATE TABLE IF NOT EXISTS fragments (
    id TEXT PRIMARY KEY,
    parent_id TEXT,
    workspace_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    token_estimate INTEGER DEFAULT 0,
    chunk_total INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fragments_parent ON fragments(parent_id);
CREATE INDEX IF NOT EXISTS idx_fragments_workspace ON fragments(workspace_id);
CREATE INDEX IF NOT EXISTS idx_fragments_hash ON fragments(content_hash);

-- Embeddings. One row per (content_hash, model); fragment_id is an
-- ownership pointer that moves on dedup reuse.
CREATE TABLE IF NOT EXISTS embeddings (
    content_hash TEXT NOT NULL,
    model TEXT NOT NULL,
    fragment_id TEXT NOT NULL,
    vector BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (content_hash, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_fragment ON embeddings(fragment_id);

-- Canonical entities
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    aliases TEXT,
    summary TEXT,
    structured_details TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_workspace ON entities(workspace_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

-- Relationships (directed edges, looked up from either endpoint)
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    from_entity_id TEXT NOT NULL,
    to_entity_id TEXT NOT NULL,
    rel_type TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_entity_id);

-- Patches. Operations are stored as a JSON array in list order.
CREATE TABLE IF NOT EXISTS patches (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    operations TEXT NOT NULL,
    status TEXT NOT NULL,
    source_ref TEXT,
    confidence REAL DEFAULT 0,
    created_at INTEGER NOT NULL,
    resolved_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_patches_status ON patches(status);
CREATE INDEX IF NOT EXISTS idx_patches_workspace ON patches(workspace_id);

-- Denormalized entity→patch reverse index, written in the same
-- transaction as the patch rows it mirrors.
CREATE TABLE IF NOT EXISTS patch_index (
    entity_id TEXT NOT NULL,
    patch_id TEXT NOT NULL,
    status TEXT NOT NULL,
    PRIMARY KEY (entity_id, patch_id)
);

CREATE INDEX IF NOT EXISTS idx_patch_index_patch ON patch_index(patch_id);
`

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkSchemaVersion stamps fresh databases and refuses mismatched ones.
// Upgrade logic lives outside the engine.
func (s *SQLiteStore) checkSchemaVersion() error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", CurrentSchemaVersion))
		return err
	}
	if err != nil {
		return err
	}
	var stored int
	if _, err := fmt.Sscanf(raw, "%d", &stored); err != nil {
		return fmt.Errorf("%w: unreadable marker %q", ErrSchemaVersion, raw)
	}
	if stored != CurrentSchemaVersion {
		return fmt.Errorf("%w: on-disk %d, engine %d", ErrSchemaVersion, stored, CurrentSchemaVersion)
	}
	return nil
}

// SchemaVersion returns the stored schema version marker.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	if err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx so row helpers serve both the
// direct methods and transactional code paths.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// =============================================================================
// Fragment CRUD
// =============================================================================

// UpsertFragment inserts or updates a fragment.
func (s *SQLiteStore) UpsertFragment(f *Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertFragment(s.db, f)
}

func upsertFragment(q querier, f *Fragment) error {
	_, err := q.Exec(`
		INSERT INTO fragments (id, parent_id, workspace_id, kind, title, content,
			content_hash, token_estimate, chunk_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			workspace_id = excluded.workspace_id,
			kind = excluded.kind,
			title = excluded.title,
			content = excluded.content,
			content_hash = excluded.content_hash,
			token_estimate = excluded.token_estimate,
			chunk_total = excluded.chunk_total,
			updated_at = excluded.updated_at
	`, f.ID, f.ParentID, f.WorkspaceID, string(f.Kind), f.Title, f.Content,
		f.ContentHash, f.TokenEstimate, f.ChunkTotal, f.CreatedAt, f.UpdatedAt)
	return err
}

const fragmentCols = `id, parent_id, workspace_id, kind, title, content,
	content_hash, token_estimate, chunk_total, created_at, updated_at`

func scanFragment(row interface{ Scan(...any) error }) (*Fragment, error) {
	var f Fragment
	var parentID sql.NullString
	var kind string
	if err := row.Scan(&f.ID, &parentID, &f.WorkspaceID, &kind, &f.Title, &f.Content,
		&f.ContentHash, &f.TokenEstimate, &f.ChunkTotal, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Kind = FragmentKind(kind)
	if parentID.Valid {
		f.ParentID = parentID.String
	}
	return &f, nil
}

// GetFragment retrieves a fragment by ID. Returns nil when absent.
func (s *SQLiteStore) GetFragment(id string) (*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := scanFragment(s.db.QueryRow(
		`SELECT `+fragmentCols+` FROM fragments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// DeleteFragment removes a single fragment record. Dependent records are
// the cascade manager's job; this is the narrow primitive it builds on.
func (s *SQLiteStore) DeleteFragment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM fragments WHERE id = ?`, id)
	return err
}

// ListFragmentsByParent returns the chunk children of a fragment in ID
// order, which matches chunk index order.
func (s *SQLiteStore) ListFragmentsByParent(parentID string) ([]*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFragments(s.db, `SELECT `+fragmentCols+` FROM fragments WHERE parent_id = ? ORDER BY id`, parentID)
}

// ListFragmentsByWorkspace returns every fragment in a workspace.
func (s *SQLiteStore) ListFragmentsByWorkspace(workspaceID string) ([]*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listFragments(s.db, `SELECT `+fragmentCols+` FROM fragments WHERE workspace_id = ? ORDER BY id`, workspaceID)
}

func listFragments(q querier, query string, args ...any) ([]*Fragment, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// Embedding CRUD
// =============================================================================

// PutEmbedding persists a record keyed by (content_hash, model), replacing
// any previous vector for the owning fragment so at most one live record
// exists per fragment ID.
func (s *SQLiteStore) PutEmbedding(rec *EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Drop a stale record owned by this fragment under a different hash.
	// Same model only; records under other models stay live.
	if _, err := tx.Exec(`
		DELETE FROM embeddings
		WHERE fragment_id = ? AND model = ? AND content_hash != ?
	`, rec.FragmentID, rec.Model, rec.ContentHash); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO embeddings (content_hash, model, fragment_id, vector, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			fragment_id = excluded.fragment_id,
			vector = excluded.vector,
			dimensions = excluded.dimensions
	`, rec.ContentHash, rec.Model, rec.FragmentID, encodeVector(rec.Vector),
		rec.Dimensions, rec.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func scanEmbedding(row interface{ Scan(...any) error }) (*EmbeddingRecord, error) {
	var rec EmbeddingRecord
	var blob []byte
	if err := row.Scan(&rec.ContentHash, &rec.Model, &rec.FragmentID, &blob,
		&rec.Dimensions, &rec.CreatedAt); err != nil {
		return nil, err
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, err
	}
	rec.Vector = vec
	return &rec, nil
}

const embeddingCols = `content_hash, model, fragment_id, vector, dimensions, created_at`

// GetEmbeddingByFragment retrieves the record owned by a fragment.
func (s *SQLiteStore) GetEmbeddingByFragment(fragmentID string) (*EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanEmbedding(s.db.QueryRow(
		`SELECT `+embeddingCols+` FROM embeddings WHERE fragment_id = ?`, fragmentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// GetEmbeddingByHash retrieves the record for identical content under the
// same model, regardless of which fragment owns it.
func (s *SQLiteStore) GetEmbeddingByHash(contentHash, model string) (*EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanEmbedding(s.db.QueryRow(
		`SELECT `+embeddingCols+` FROM embeddings WHERE content_hash = ? AND model = ?`,
		contentHash, model))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// UpdateEmbeddingOwner moves the ownership pointer without touching the
// vector, hash, or model. Any record the new owner held under a different
// hash is dropped in the same transaction, keeping at most one live
// record per fragment and model.
func (s *SQLiteStore) UpdateEmbeddingOwner(contentHash, model, fragmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM embeddings
		WHERE fragment_id = ? AND model = ? AND content_hash != ?
	`, fragmentID, model, contentHash); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE embeddings SET fragment_id = ?
		WHERE content_hash = ? AND model = ?
	`, fragmentID, contentHash, model); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteEmbeddingForFragment removes the record owned by a fragment.
func (s *SQLiteStore) DeleteEmbeddingForFragment(fragmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM embeddings WHERE fragment_id = ?`, fragmentID)
	return err
}

// =============================================================================
// Entity CRUD
// =============================================================================

// UpsertEntity inserts or updates an entity.
func (s *SQLiteStore) UpsertEntity(e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertEntity(s.db, e)
}

func upsertEntity(q querier, e *Entity) error {
	detailsJSON, err := json.Marshal(e.StructuredDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal structured details: %w", err)
	}
	aliasesJSON, err := json.Marshal(e.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	_, err = q.Exec(`
		INSERT INTO entities (id, workspace_id, entity_type, name, aliases, summary,
			structured_details, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			entity_type = excluded.entity_type,
			name = excluded.name,
			aliases = excluded.aliases,
			summary = excluded.summary,
			structured_details = excluded.structured_details,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, e.ID, e.WorkspaceID, e.EntityType, e.Name, string(aliasesJSON), e.Summary,
		string(detailsJSON), string(e.Status), e.CreatedAt, e.UpdatedAt)
	return err
}

const entityCols = `id, workspace_id, entity_type, name, aliases, summary, structured_details, status, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var aliases, summary, details sql.NullString
	var status string
	if err := row.Scan(&e.ID, &e.WorkspaceID, &e.EntityType, &e.Name, &aliases,
		&summary, &details, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = EntityStatus(status)
	if summary.Valid {
		e.Summary = summary.String
	}
	if aliases.Valid && aliases.String != "" && aliases.String != "null" {
		if err := json.Unmarshal([]byte(aliases.String), &e.Aliases); err != nil {
			e.Aliases = nil
		}
	}
	if details.Valid && details.String != "" && details.String != "null" {
		if err := json.Unmarshal([]byte(details.String), &e.StructuredDetails); err != nil {
			e.StructuredDetails = nil
		}
	}
	return &e, nil
}

func getEntity(q querier, id string) (*Entity, error) {
	e, err := scanEntity(q.QueryRow(`SELECT `+entityCols+` FROM entities WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEntity retrieves an entity by ID. Returns nil when absent.
func (s *SQLiteStore) GetEntity(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntity(s.db, id)
}

// DeleteEntity removes an entity by ID.
func (s *SQLiteStore) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
	return err
}

// ListEntities returns entities in a workspace, optionally filtered by type.
func (s *SQLiteStore) ListEntities(workspaceID, entityType string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if entityType != "" {
		rows, err = s.db.Query(`
			SELECT `+entityCols+` FROM entities
			WHERE workspace_id = ? AND entity_type = ? ORDER BY name
		`, workspaceID, entityType)
	} else {
		rows, err = s.db.Query(`
			SELECT `+entityCols+` FROM entities
			WHERE workspace_id = ? ORDER BY name
		`, workspaceID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// Relationship CRUD
// =============================================================================

// UpsertRelationship inserts or updates a relationship edge.
func (s *SQLiteStore) UpsertRelationship(r *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertRelationship(s.db, r)
}

func upsertRelationship(q querier, r *Relationship) error {
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = q.Exec(`
		INSERT INTO relationships (id, from_entity_id, to_entity_id, rel_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			from_entity_id = excluded.from_entity_id,
			to_entity_id = excluded.to_entity_id,
			rel_type = excluded.rel_type,
			metadata = excluded.metadata
	`, r.ID, r.FromEntityID, r.ToEntityID, r.RelType, string(metaJSON), r.CreatedAt)
	return err
}

const relationshipCols = `id, from_entity_id, to_entity_id, rel_type, metadata, created_at`

func scanRelationship(row interface{ Scan(...any) error }) (*Relationship, error) {
	var r Relationship
	var meta sql.NullString
	if err := row.Scan(&r.ID, &r.FromEntityID, &r.ToEntityID, &r.RelType,
		&meta, &r.CreatedAt); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			r.Metadata = nil
		}
	}
	return &r, nil
}

func getRelationship(q querier, id string) (*Relationship, error) {
	r, err := scanRelationship(q.QueryRow(
		`SELECT `+relationshipCols+` FROM relationships WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetRelationship retrieves a relationship by ID. Returns nil when absent.
func (s *SQLiteStore) GetRelationship(id string) (*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRelationship(s.db, id)
}

// DeleteRelationship removes a relationship by ID.
func (s *SQLiteStore) DeleteRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM relationships WHERE id = ?`, id)
	return err
}

// ListRelationshipsForEntity returns all edges touching an entity from
// either endpoint.
func (s *SQLiteStore) ListRelationshipsForEntity(entityID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+relationshipCols+` FROM relationships
		WHERE from_entity_id = ? OR to_entity_id = ?
	`, entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// Patch CRUD
// =============================================================================

// ErrEmptyPatch rejects zero-operation patches at the persistence boundary.
var ErrEmptyPatch = fmt.Errorf("store: patch has no operations")

// ErrTerminalPatch rejects transitions out of accepted/rejected.
var ErrTerminalPatch = fmt.Errorf("store: patch already resolved")

// ErrPatchNotFound is returned for status updates on unknown patches.
var ErrPatchNotFound = fmt.Errorf("store: patch not found")

// AddPatch persists a patch and its reverse-index rows in one transaction.
// There is no intermediate state where the patch exists but is unindexed.
func (s *SQLiteStore) AddPatch(p *Patch) error {
	if len(p.Operations) == 0 {
		return ErrEmptyPatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opsJSON, err := json.Marshal(p.Operations)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var resolvedAt any
	if p.ResolvedAt != nil {
		resolvedAt = *p.ResolvedAt
	}
	if _, err := tx.Exec(`
		INSERT INTO patches (id, workspace_id, operations, status, source_ref, confidence, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.WorkspaceID, string(opsJSON), string(p.Status), p.SourceRef,
		p.Confidence, p.CreatedAt, resolvedAt); err != nil {
		return err
	}

	for _, entityID := range p.EntityIDs() {
		if _, err := tx.Exec(`
			INSERT INTO patch_index (entity_id, patch_id, status)
			VALUES (?, ?, ?)
			ON CONFLICT(entity_id, patch_id) DO UPDATE SET status = excluded.status
		`, entityID, p.ID, string(p.Status)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const patchCols = `id, workspace_id, operations, status, source_ref, confidence, created_at, resolved_at`

func scanPatch(row interface{ Scan(...any) error }) (*Patch, error) {
	var p Patch
	var opsJSON string
	var status string
	var sourceRef sql.NullString
	var resolvedAt sql.NullInt64
	if err := row.Scan(&p.ID, &p.WorkspaceID, &opsJSON, &status, &sourceRef,
		&p.Confidence, &p.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	p.Status = PatchStatus(status)
	if sourceRef.Valid {
		p.SourceRef = sourceRef.String
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.Int64
	}
	if err := json.Unmarshal([]byte(opsJSON), &p.Operations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operations for patch %s: %w", p.ID, err)
	}
	return &p, nil
}

// GetPatch retrieves a patch by ID. Returns nil when absent.
func (s *SQLiteStore) GetPatch(id string) (*Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPatch(s.db.QueryRow(`SELECT `+patchCols+` FROM patches WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UpdatePatchStatus transitions a pending patch to a terminal status and
// rewrites every reverse-index row in the same transaction. Transitioning
// out of a terminal state is a caller bug and fails without mutating state.
func (s *SQLiteStore) UpdatePatchStatus(id string, status PatchStatus, resolvedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM patches WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrPatchNotFound
	}
	if err != nil {
		return err
	}
	if PatchStatus(current).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalPatch, id, current)
	}

	if _, err := tx.Exec(`
		UPDATE patches SET status = ?, resolved_at = ? WHERE id = ?
	`, string(status), resolvedAt, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE patch_index SET status = ? WHERE patch_id = ?
	`, string(status), id); err != nil {
		return err
	}

	return tx.Commit()
}

// ListPendingPatches returns pending patches for a workspace in creation
// order, via the status index.
func (s *SQLiteStore) ListPendingPatches(workspaceID string) ([]*Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+patchCols+` FROM patches
		WHERE status = ? AND workspace_id = ?
		ORDER BY created_at, id
	`, string(PatchPending), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Patch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPatchesForEntity reads the reverse index; it never scans the patch
// table.
func (s *SQLiteStore) ListPatchesForEntity(entityID string) ([]*PatchIndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT entity_id, patch_id, status FROM patch_index
		WHERE entity_id = ? ORDER BY patch_id
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatchIndexEntry
	for rows.Next() {
		var e PatchIndexEntry
		var status string
		if err := rows.Scan(&e.EntityID, &e.PatchID, &status); err != nil {
			return nil, err
		}
		e.Status = PatchStatus(status)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RebuildPatchIndex regenerates the reverse index from a full patch scan.
// One-time bootstrap only; steady-state writes maintain the index
// incrementally.
func (s *SQLiteStore) RebuildPatchIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM patch_index`); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT ` + patchCols + ` FROM patches`)
	if err != nil {
		return err
	}
	var patches []*Patch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			rows.Close()
			return err
		}
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, p := range patches {
		for _, entityID := range p.EntityIDs() {
			if _, err := tx.Exec(`
				INSERT INTO patch_index (entity_id, patch_id, status)
				VALUES (?, ?, ?)
				ON CONFLICT(entity_id, patch_id) DO UPDATE SET status = excluded.status
			`, entityID, p.ID, string(p.Status)); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// =============================================================================
// Transactional mutations
// =============================================================================

// Tx exposes the mutation subset the patch engine needs inside one
// commit/rollback unit.
type Tx struct {
	tx *sql.Tx
}

// GetEntity reads an entity within the transaction. Returns nil when absent.
func (t *Tx) GetEntity(id string) (*Entity, error) { return getEntity(t.tx, id) }

// UpsertEntity writes an entity within the transaction.
func (t *Tx) UpsertEntity(e *Entity) error { return upsertEntity(t.tx, e) }

// DeleteEntity removes an entity, its relationship edges, and its
// patch-index rows within the transaction.
func (t *Tx) DeleteEntity(id string) error {
	if _, err := t.tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := t.tx.Exec(`
		DELETE FROM relationships WHERE from_entity_id = ? OR to_entity_id = ?
	`, id, id); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM patch_index WHERE entity_id = ?`, id)
	return err
}

// GetRelationship reads an edge within the transaction. Returns nil when absent.
func (t *Tx) GetRelationship(id string) (*Relationship, error) { return getRelationship(t.tx, id) }

// UpsertRelationship writes an edge within the transaction.
func (t *Tx) UpsertRelationship(r *Relationship) error { return upsertRelationship(t.tx, r) }

// DeleteRelationship removes an edge within the transaction.
func (t *Tx) DeleteRelationship(id string) error {
	_, err := t.tx.Exec(`DELETE FROM relationships WHERE id = ?`, id)
	return err
}

// ApplyPatchOps runs apply inside a transaction that also flips the patch
// to accepted and rewrites its index rows. Rollback on any error leaves
// the patch pending and the entities untouched.
func (s *SQLiteStore) ApplyPatchOps(patchID string, apply func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM patches WHERE id = ?`, patchID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrPatchNotFound
	}
	if err != nil {
		return err
	}
	if PatchStatus(current).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalPatch, patchID, current)
	}

	if err := apply(&Tx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkPatchResolved flips the patch row and its index entries inside an
// open transaction. Used by the engine while applying operations.
func (t *Tx) MarkPatchResolved(patchID string, status PatchStatus, resolvedAt int64) error {
	if _, err := t.tx.Exec(`
		UPDATE patches SET status = ?, resolved_at = ? WHERE id = ?
	`, string(status), resolvedAt, patchID); err != nil {
		return err
	}
	_, err := t.tx.Exec(`
		UPDATE patch_index SET status = ? WHERE patch_id = ?
	`, string(status), patchID)
	return err
}

// Compile-time interface check
var _ Storer = (*SQLiteStore)(nil)
