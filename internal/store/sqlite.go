package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// Options configures the SQLite store.
type Options struct {
	// MaxOpenConns bounds the connection pool (default 4).
	MaxOpenConns int
	// BusyTimeout is the SQLite busy_timeout pragma (default 30s).
	BusyTimeout time.Duration
}

// SQLiteStore implements Querier on a single SQLite database.
type SQLiteStore struct {
	*queries
	db   *sql.DB
	path string

	mu     sync.Mutex
	closed bool
}

var _ Querier = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path and applies the schema.
// An empty path opens an in-memory database for testing.
func Open(path string, opts Options) (*SQLiteStore, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 30 * time.Second
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == "" {
		// In-memory databases are per-connection; keep exactly one.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		queries: &queries{db: db},
		db:      db,
		path:    path,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		doc_id             TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		namespace          TEXT NOT NULL,
		source             TEXT NOT NULL DEFAULT '',
		doc_hash           TEXT NOT NULL,
		metadata           TEXT NOT NULL DEFAULT '{}',
		policy_id          TEXT NOT NULL DEFAULT '',
		embedding_model_id TEXT NOT NULL DEFAULT '',
		embedding_version  TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		deleted_at         INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant_ns ON documents(tenant_id, namespace);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id           TEXT PRIMARY KEY,
		doc_id             TEXT NOT NULL,
		tenant_id          TEXT NOT NULL,
		namespace          TEXT NOT NULL,
		chunk_hash         TEXT NOT NULL,
		text               TEXT NOT NULL,
		embed_text         TEXT NOT NULL DEFAULT '',
		start_offset       INTEGER NOT NULL DEFAULT 0,
		end_offset         INTEGER NOT NULL DEFAULT 0,
		metadata           TEXT NOT NULL DEFAULT '{}',
		policy_id          TEXT NOT NULL DEFAULT '',
		embedding_model_id TEXT NOT NULL DEFAULT '',
		embedding_version  TEXT NOT NULL,
		faiss_id           INTEGER,
		created_at         INTEGER NOT NULL,
		deleted_at         INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_tenant_ns ON chunks(tenant_id, namespace);
	CREATE INDEX IF NOT EXISTS idx_chunks_tenant_ns_deleted ON chunks(tenant_id, namespace, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(chunk_hash);
	CREATE INDEX IF NOT EXISTS idx_chunks_faiss ON chunks(faiss_id);

	CREATE TABLE IF NOT EXISTS index_metadata (
		tenant_id         TEXT NOT NULL,
		namespace         TEXT NOT NULL,
		embedding_version TEXT NOT NULL,
		faiss_path        TEXT NOT NULL,
		ntotal            INTEGER NOT NULL DEFAULT 0,
		dimension         INTEGER NOT NULL DEFAULT 0,
		dirty             INTEGER NOT NULL DEFAULT 0,
		updated_at        INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, namespace, embedding_version)
	);
	CREATE INDEX IF NOT EXISTS idx_index_metadata_dirty ON index_metadata(dirty);

	CREATE TABLE IF NOT EXISTS jobs (
		job_id       TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		payload      TEXT NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL DEFAULT 'pending',
		progress     INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		started_at   INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InTx runs fn inside a single transaction. The Querier passed to fn
// is only valid for the duration of the call.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dferrors.New(dferrors.ErrCodeStoreClosed, "store is closed", nil)
	}
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeTxFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeTxFailed, err)
	}
	return nil
}

// InsertChunks runs the batch insert in its own transaction.
func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	return s.InTx(ctx, func(q Querier) error {
		return q.InsertChunks(ctx, chunks)
	})
}

// GetOrCreateIndexMetadata runs its read-then-create in a transaction.
func (s *SQLiteStore) GetOrCreateIndexMetadata(ctx context.Context, tenant, namespace, version, defaultPath string, defaultDim int) (*IndexMetadata, error) {
	var meta *IndexMetadata
	err := s.InTx(ctx, func(q Querier) error {
		var err error
		meta, err = q.GetOrCreateIndexMetadata(ctx, tenant, namespace, version, defaultPath, defaultDim)
		return err
	})
	return meta, err
}

// ClaimNextJob atomically transitions the oldest pending job to
// running. Returns (nil, nil) when the queue is empty.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*Job, error) {
	var job *Job
	err := s.InTx(ctx, func(q Querier) error {
		var err error
		job, err = q.ClaimNextJob(ctx)
		return err
	})
	return job, err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dferrors.New(dferrors.ErrCodeStoreClosed, "store is closed", nil)
	}
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// dbtx abstracts *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Querier against either the database or an open
// transaction.
type queries struct {
	db dbtx
}

var _ Querier = (*queries)(nil)

const documentColumns = `doc_id, tenant_id, namespace, source, doc_hash, metadata, policy_id,
	embedding_model_id, embedding_version, created_at, updated_at, deleted_at`

// GetDocument returns the document or (nil, nil) when absent.
func (q *queries) GetDocument(ctx context.Context, docID string) (*Document, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE doc_id = ?`, docID)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	return doc, nil
}

// PutDocument inserts or replaces a document row.
func (q *queries) PutDocument(ctx context.Context, doc *Document) error {
	meta, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			namespace = excluded.namespace,
			source = excluded.source,
			doc_hash = excluded.doc_hash,
			metadata = excluded.metadata,
			policy_id = excluded.policy_id,
			embedding_model_id = excluded.embedding_model_id,
			embedding_version = excluded.embedding_version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		doc.DocID, doc.TenantID, doc.Namespace, doc.Source, doc.DocHash, meta,
		doc.PolicyID, doc.EmbeddingModelID, doc.EmbeddingVersion,
		timeMillis(doc.CreatedAt), timeMillis(doc.UpdatedAt), nullableMillis(doc.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to put document %s: %w", doc.DocID, err)
	}
	return nil
}

const chunkColumns = `chunk_id, doc_id, tenant_id, namespace, chunk_hash, text, embed_text,
	start_offset, end_offset, metadata, policy_id, embedding_model_id, embedding_version,
	faiss_id, created_at, deleted_at`

// InsertChunks inserts chunk rows. Chunk IDs must be unique.
func (q *queries) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for _, c := range chunks {
		meta, err := marshalMetadata(c.Metadata)
		if err != nil {
			return err
		}
		var faissID any
		if c.FaissID != nil {
			faissID = *c.FaissID
		}
		// Chunk ids are deterministic per ordinal, so a document
		// update reuses them. The superseded row is replaced; its old
		// vector no longer resolves and search skips it.
		_, err = q.db.ExecContext(ctx, `
			INSERT INTO chunks (`+chunkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				doc_id = excluded.doc_id,
				tenant_id = excluded.tenant_id,
				namespace = excluded.namespace,
				chunk_hash = excluded.chunk_hash,
				text = excluded.text,
				embed_text = excluded.embed_text,
				start_offset = excluded.start_offset,
				end_offset = excluded.end_offset,
				metadata = excluded.metadata,
				policy_id = excluded.policy_id,
				embedding_model_id = excluded.embedding_model_id,
				embedding_version = excluded.embedding_version,
				faiss_id = excluded.faiss_id,
				created_at = excluded.created_at,
				deleted_at = excluded.deleted_at`,
			c.ChunkID, c.DocID, c.TenantID, c.Namespace, c.ChunkHash, c.Text, c.EmbedText,
			c.StartOffset, c.EndOffset, meta, c.PolicyID, c.EmbeddingModelID,
			c.EmbeddingVersion, faissID, timeMillis(c.CreatedAt), nullableMillis(c.DeletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ChunkID, err)
		}
	}
	return nil
}

// MarkChunksDeleted soft-deletes all live chunks of a document and
// returns how many were affected.
func (q *queries) MarkChunksDeleted(ctx context.Context, docID string) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE chunks SET deleted_at = ? WHERE doc_id = ? AND deleted_at IS NULL`,
		timeMillis(time.Now()), docID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark chunks deleted for %s: %w", docID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkDocumentDeleted soft-deletes a document row.
func (q *queries) MarkDocumentDeleted(ctx context.Context, docID string) error {
	now := timeMillis(time.Now())
	res, err := q.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ?, updated_at = ? WHERE doc_id = ? AND deleted_at IS NULL`,
		now, now, docID)
	if err != nil {
		return fmt.Errorf("failed to mark document deleted %s: %w", docID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dferrors.NotFoundError(dferrors.ErrCodeDocNotFound, "document not found or already deleted").
			WithDetail("doc_id", docID)
	}
	return nil
}

// LiveChunks returns all live chunks for an index key ordered by chunk_id.
func (q *queries) LiveChunks(ctx context.Context, tenant, namespace, version string) ([]*Chunk, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ? AND deleted_at IS NULL
		ORDER BY chunk_id`,
		tenant, namespace, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query live chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetFaissID updates a single chunk's index position.
func (q *queries) SetFaissID(ctx context.Context, chunkID string, faissID int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE chunks SET faiss_id = ? WHERE chunk_id = ?`, faissID, chunkID)
	if err != nil {
		return fmt.Errorf("failed to set faiss_id for %s: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dferrors.NotFoundError(dferrors.ErrCodeDocNotFound, "chunk not found").
			WithDetail("chunk_id", chunkID)
	}
	return nil
}

// UpdateChunkEmbedding rewrites a chunk's embedding version and model
// after a re-embedding rebuild.
func (q *queries) UpdateChunkEmbedding(ctx context.Context, chunkID, version, modelID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE chunks SET embedding_version = ?, embedding_model_id = ? WHERE chunk_id = ?`,
		version, modelID, chunkID)
	if err != nil {
		return fmt.Errorf("failed to update chunk embedding %s: %w", chunkID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dferrors.NotFoundError(dferrors.ErrCodeDocNotFound, "chunk not found").
			WithDetail("chunk_id", chunkID)
	}
	return nil
}

// FindChunkByFaissID resolves one live chunk by index position.
// Returns (nil, nil) when no live chunk holds the position.
func (q *queries) FindChunkByFaissID(ctx context.Context, tenant, namespace, version string, faissID int64) (*Chunk, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ?
		  AND faiss_id = ? AND deleted_at IS NULL`,
		tenant, namespace, version, faissID)
	c, err := scanChunkRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chunk by faiss_id %d: %w", faissID, err)
	}
	return c, nil
}

// ChunksByFaissIDs resolves many live chunks at once. Positions with
// no live chunk are simply absent from the result.
func (q *queries) ChunksByFaissIDs(ctx context.Context, tenant, namespace, version string, faissIDs []int64) (map[int64]*Chunk, error) {
	result := make(map[int64]*Chunk, len(faissIDs))
	if len(faissIDs) == 0 {
		return result, nil
	}

	placeholders := ""
	args := []any{tenant, namespace, version}
	for i, id := range faissIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ?
		  AND faiss_id IN (`+placeholders+`) AND deleted_at IS NULL`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks by faiss_ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		if c.FaissID != nil {
			result[*c.FaissID] = c
		}
	}
	return result, rows.Err()
}

// ChunksByIDs resolves live chunks by chunk id.
func (q *queries) ChunksByIDs(ctx context.Context, chunkIDs []string) (map[string]*Chunk, error) {
	result := make(map[string]*Chunk, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return result, nil
	}

	placeholders := ""
	args := make([]any, 0, len(chunkIDs))
	for i, id := range chunkIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE chunk_id IN (`+placeholders+`) AND deleted_at IS NULL`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunkRows(rows)
		if err != nil {
			return nil, err
		}
		result[c.ChunkID] = c
	}
	return result, rows.Err()
}

const indexColumns = `tenant_id, namespace, embedding_version, faiss_path, ntotal, dimension, dirty, updated_at`

// GetOrCreateIndexMetadata returns the metadata row for an index key,
// creating it with defaults when it does not exist yet.
func (q *queries) GetOrCreateIndexMetadata(ctx context.Context, tenant, namespace, version, defaultPath string, defaultDim int) (*IndexMetadata, error) {
	meta, err := q.getIndexMetadata(ctx, tenant, namespace, version)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta, nil
	}

	now := time.Now()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO index_metadata (`+indexColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, 0, ?)`,
		tenant, namespace, version, defaultPath, defaultDim, timeMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to create index metadata: %w", err)
	}
	return &IndexMetadata{
		TenantID:         tenant,
		Namespace:        namespace,
		EmbeddingVersion: version,
		FaissPath:        defaultPath,
		Dimension:        defaultDim,
		UpdatedAt:        now,
	}, nil
}

func (q *queries) getIndexMetadata(ctx context.Context, tenant, namespace, version string) (*IndexMetadata, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+indexColumns+` FROM index_metadata
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ?`,
		tenant, namespace, version)
	meta, err := scanIndexMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index metadata: %w", err)
	}
	return meta, nil
}

// UpdateIndexMetadata sets ntotal and the dirty flag.
func (q *queries) UpdateIndexMetadata(ctx context.Context, tenant, namespace, version string, ntotal int64, dirty bool) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE index_metadata SET ntotal = ?, dirty = ?, updated_at = ?
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ?`,
		ntotal, boolInt(dirty), timeMillis(time.Now()), tenant, namespace, version)
	if err != nil {
		return fmt.Errorf("failed to update index metadata: %w", err)
	}
	return nil
}

// SetIndexDimension records the detected vector dimension.
func (q *queries) SetIndexDimension(ctx context.Context, tenant, namespace, version string, dim int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE index_metadata SET dimension = ?, updated_at = ?
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ?`,
		dim, timeMillis(time.Now()), tenant, namespace, version)
	if err != nil {
		return fmt.Errorf("failed to set index dimension: %w", err)
	}
	return nil
}

// MarkIndexDirty flags an index as needing rebuild.
func (q *queries) MarkIndexDirty(ctx context.Context, tenant, namespace, version string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE index_metadata SET dirty = 1, updated_at = ?
		WHERE tenant_id = ? AND namespace = ? AND embedding_version = ?`,
		timeMillis(time.Now()), tenant, namespace, version)
	if err != nil {
		return fmt.Errorf("failed to mark index dirty: %w", err)
	}
	return nil
}

// DirtyIndexes returns all indexes flagged for rebuild.
func (q *queries) DirtyIndexes(ctx context.Context) ([]*IndexMetadata, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+indexColumns+` FROM index_metadata WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty indexes: %w", err)
	}
	defer rows.Close()
	return collectIndexMetadata(rows)
}

// ListIndexes returns all index metadata rows for a tenant, or all
// rows when tenant is empty.
func (q *queries) ListIndexes(ctx context.Context, tenant string) ([]*IndexMetadata, error) {
	query := `SELECT ` + indexColumns + ` FROM index_metadata`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY tenant_id, namespace, embedding_version`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()
	return collectIndexMetadata(rows)
}

const jobColumns = `job_id, type, payload, status, progress, error, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a pending job.
func (q *queries) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		job.JobID, string(job.Type), job.Payload, string(job.Status), job.Progress,
		job.Error, timeMillis(job.CreatedAt), timeMillis(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob returns a job by id.
func (q *queries) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, dferrors.NotFoundError(dferrors.ErrCodeJobNotFound, "job not found").
			WithDetail("job_id", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ClaimNextJob transitions the oldest pending job to running. The
// guarded UPDATE makes the claim atomic: a concurrent claimer loses
// the race and observes zero affected rows.
func (q *queries) ClaimNextJob(ctx context.Context) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' ORDER BY created_at, job_id LIMIT 1`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'pending'`,
		timeMillis(now), timeMillis(now), job.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", job.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race; the caller polls again.
		return nil, nil
	}

	job.Status = JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job, nil
}

// UpdateJobProgress clamps progress to 0..100 and only applies to
// running jobs.
func (q *queries) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE job_id = ? AND status = 'running'`,
		progress, timeMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job progress %s: %w", jobID, err)
	}
	return nil
}

// CompleteJob marks a job completed with progress forced to 100.
func (q *queries) CompleteJob(ctx context.Context, jobID string) error {
	now := timeMillis(time.Now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', progress = 100, updated_at = ?, completed_at = ?
		WHERE job_id = ? AND status = 'running'`,
		now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dferrors.NotFoundError(dferrors.ErrCodeJobNotFound, "job not running").
			WithDetail("job_id", jobID)
	}
	return nil
}

// FailJob marks a job failed and records the error text.
func (q *queries) FailJob(ctx context.Context, jobID string, jobErr string) error {
	now := timeMillis(time.Now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = ?, updated_at = ?, completed_at = ?
		WHERE job_id = ? AND status IN ('running', 'pending')`,
		jobErr, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dferrors.NotFoundError(dferrors.ErrCodeJobNotFound, "job not active").
			WithDetail("job_id", jobID)
	}
	return nil
}

// CountJobs counts jobs in a status, or all jobs when status is empty.
func (q *queries) CountJobs(ctx context.Context, status JobStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	var n int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d         Document
		meta      string
		created   int64
		updated   int64
		deletedAt sql.NullInt64
	)
	err := row.Scan(&d.DocID, &d.TenantID, &d.Namespace, &d.Source, &d.DocHash, &meta,
		&d.PolicyID, &d.EmbeddingModelID, &d.EmbeddingVersion, &created, &updated, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode document metadata: %w", err)
	}
	d.CreatedAt = millisTime(created)
	d.UpdatedAt = millisTime(updated)
	d.DeletedAt = nullableTime(deletedAt)
	return &d, nil
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		c         Chunk
		meta      string
		faissID   sql.NullInt64
		created   int64
		deletedAt sql.NullInt64
	)
	err := row.Scan(&c.ChunkID, &c.DocID, &c.TenantID, &c.Namespace, &c.ChunkHash,
		&c.Text, &c.EmbedText, &c.StartOffset, &c.EndOffset, &meta, &c.PolicyID,
		&c.EmbeddingModelID, &c.EmbeddingVersion, &faissID, &created, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
	}
	if faissID.Valid {
		c.FaissID = &faissID.Int64
	}
	c.CreatedAt = millisTime(created)
	c.DeletedAt = nullableTime(deletedAt)
	return &c, nil
}

func scanChunkRow(row *sql.Row) (*Chunk, error)    { return scanChunk(row) }
func scanChunkRows(rows *sql.Rows) (*Chunk, error) { return scanChunk(rows) }

func scanIndexMetadata(row rowScanner) (*IndexMetadata, error) {
	var (
		m       IndexMetadata
		dirty   int
		updated int64
	)
	err := row.Scan(&m.TenantID, &m.Namespace, &m.EmbeddingVersion, &m.FaissPath,
		&m.NTotal, &m.Dimension, &dirty, &updated)
	if err != nil {
		return nil, err
	}
	m.Dirty = dirty != 0
	m.UpdatedAt = millisTime(updated)
	return &m, nil
}

func collectIndexMetadata(rows *sql.Rows) ([]*IndexMetadata, error) {
	var metas []*IndexMetadata
	for rows.Next() {
		m, err := scanIndexMetadata(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		jobType     string
		status      string
		created     int64
		updated     int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(&j.JobID, &jobType, &j.Payload, &status, &j.Progress, &j.Error,
		&created, &updated, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Type = JobType(jobType)
	j.Status = JobStatus(status)
	j.CreatedAt = millisTime(created)
	j.UpdatedAt = millisTime(updated)
	j.StartedAt = nullableTime(startedAt)
	j.CompletedAt = nullableTime(completedAt)
	return &j, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func timeMillis(t time.Time) int64 { return t.UnixMilli() }

func millisTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeMillis(*t)
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := millisTime(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
