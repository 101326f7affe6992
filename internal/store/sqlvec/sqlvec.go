// Package sqlvec implements the fragment store on SQLite: a vec0 virtual
// table for dense vectors (sqlite-vec) and an FTS5 external-content table
// for keyword search. When FTS5 is unavailable keyword search degrades to
// LIKE matching.
package sqlvec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/osgrep/osgrep/internal/models"
	"github.com/osgrep/osgrep/internal/store"
)

// Provider opens named stores under a data directory.
type Provider struct {
	dir    string
	logger *zap.Logger
}

func NewProvider(dir string, logger *zap.Logger) *Provider {
	return &Provider{dir: dir, logger: logger}
}

func (p *Provider) OpenOrCreate(name string, dim int) (store.Store, error) {
	dbDir := filepath.Join(p.dir, name)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return open(filepath.Join(dbDir, "index.db"), dim, p.logger)
}

func (p *Provider) Drop(name string) error {
	return os.RemoveAll(filepath.Join(p.dir, name))
}

// Store is one open index database.
type Store struct {
	db        *sql.DB
	dimension int
	logger    *zap.Logger
	fts       bool
}

func open(path string, dim int, logger *zap.Logger) (*Store, error) {
	// enable sqlite-vec for all future connections
	sqlite_vec.Auto()
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dimension: dim, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);`); err != nil {
		return err
	}

	// dimension mismatch between recorded schema and the current model
	// forces a rebuild of the fragment tables
	var recorded int
	err := s.db.QueryRow(`SELECT value FROM schema_info WHERE key = 'dimension'`).Scan(&recorded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case s.dimension > 0 && recorded != s.dimension:
		s.logger.Info("vector dimension changed, rebuilding index",
			zap.Int("recorded", recorded), zap.Int("current", s.dimension))
		if err := s.dropTables(); err != nil {
			return err
		}
	case s.dimension == 0:
		s.dimension = recorded
	}

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		late_interaction BLOB,
		scale REAL NOT NULL DEFAULT 0,
		is_anchor INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_path ON fragments(path);`); err != nil {
		return err
	}
	if s.dimension > 0 {
		if err := s.ensureVecTable(s.db, s.dimension); err != nil {
			return err
		}
	}

	var ftsName string
	err = s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='fragments_fts'`,
	).Scan(&ftsName)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	s.fts = ftsName == "fragments_fts"
	return nil
}

func (s *Store) dropTables() error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS fragments_fts`,
		`DROP TABLE IF EXISTS vec_fragments`,
		`DROP TABLE IF EXISTS vec_map`,
		`DROP TABLE IF EXISTS fragments`,
		`DELETE FROM schema_info`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	s.fts = false
	return nil
}

// execer lets schema statements run on the database or inside the
// caller's transaction (so deferred-dimension creation cannot deadlock
// against an open write transaction).
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) ensureVecTable(e execer, dim int) error {
	if _, err := e.Exec(fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_fragments USING vec0(
		embedding float32[%d] distance_metric=cosine
	);`, dim)); err != nil {
		return err
	}
	if _, err := e.Exec(`CREATE TABLE IF NOT EXISTS vec_map (
		rid INTEGER UNIQUE NOT NULL,
		id TEXT UNIQUE NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vec_map_id ON vec_map(id);`); err != nil {
		return err
	}
	if _, err := e.Exec(`INSERT OR REPLACE INTO schema_info(key, value) VALUES('dimension', ?)`, dim); err != nil {
		return err
	}
	s.dimension = dim
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InsertBatch(ctx context.Context, rows []models.Fragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.insertTx(tx, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) ReplaceFile(ctx context.Context, path string, rows []models.Fragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.deleteTx(tx, path); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.insertTx(tx, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) insertTx(tx *sql.Tx, rows []models.Fragment) error {
	if len(rows) == 0 {
		return nil
	}
	if s.dimension == 0 {
		// dimension was deferred; infer it from the first row
		dim := len(rows[0].Dense)
		if dim == 0 {
			return fmt.Errorf("cannot infer vector dimension from empty embedding")
		}
		if err := s.ensureVecTable(tx, dim); err != nil {
			return err
		}
	}

	fragStmt, err := tx.Prepare(`INSERT OR REPLACE INTO fragments(
		id, path, hash, start_line, end_line, kind, text, late_interaction, scale, is_anchor
	) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer func() { _ = fragStmt.Close() }()
	vecStmt, err := tx.Prepare(`INSERT INTO vec_fragments(embedding) VALUES(?)`)
	if err != nil {
		return err
	}
	defer func() { _ = vecStmt.Close() }()
	mapStmt, err := tx.Prepare(`INSERT OR REPLACE INTO vec_map(rid, id) VALUES(?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = mapStmt.Close() }()

	for _, row := range rows {
		if len(row.Dense) != s.dimension {
			return fmt.Errorf("fragment %s: vector length %d, schema dimension %d",
				row.ID, len(row.Dense), s.dimension)
		}
		anchor := 0
		if row.IsAnchor {
			anchor = 1
		}
		if _, err := fragStmt.Exec(
			row.ID, row.Path, row.Hash, row.StartLine, row.EndLine,
			string(row.Kind), row.Text, row.LateInteraction, row.Scale, anchor,
		); err != nil {
			return err
		}
		blob, err := sqlite_vec.SerializeFloat32(row.Dense)
		if err != nil {
			return err
		}
		res, err := vecStmt.Exec(blob)
		if err != nil {
			return err
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := mapStmt.Exec(rid, row.ID); err != nil {
			return err
		}
	}
	return s.syncFTSTx(tx, rows)
}

func (s *Store) DeleteByPath(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.deleteTx(tx, path); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteTx(tx *sql.Tx, path string) error {
	if _, err := tx.Exec(`DELETE FROM vec_fragments WHERE rowid IN (
		SELECT m.rid FROM vec_map m JOIN fragments f ON f.id = m.id WHERE f.path = ?
	)`, path); err != nil && !missingTable(err) {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM vec_map WHERE id IN (
		SELECT id FROM fragments WHERE path = ?
	)`, path); err != nil && !missingTable(err) {
		return err
	}
	if s.fts {
		if _, err := tx.Exec(`DELETE FROM fragments_fts WHERE rowid IN (
			SELECT rowid FROM fragments WHERE path = ?
		)`, path); err != nil && !missingTable(err) {
			return err
		}
	}
	_, err := tx.Exec(`DELETE FROM fragments WHERE path = ?`, path)
	return err
}

func (s *Store) syncFTSTx(tx *sql.Tx, rows []models.Fragment) error {
	if !s.fts {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO fragments_fts(rowid, text, path)
		SELECT rowid, text, path FROM fragments WHERE id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, row := range rows {
		if _, err := stmt.Exec(row.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPaths(ctx context.Context) ([]models.PathHash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, MIN(hash) FROM fragments GROUP BY path`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.PathHash
	for rows.Next() {
		var ph models.PathHash
		if err := rows.Scan(&ph.Path, &ph.Hash); err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

func (s *Store) CountByPath(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, COUNT(*) FROM fragments GROUP BY path`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var path string
		var n int
		if err := rows.Scan(&path, &n); err != nil {
			return nil, err
		}
		out[path] = n
	}
	return out, rows.Err()
}

const fragmentColumns = `f.id, f.path, f.hash, f.start_line, f.end_line, f.kind, f.text, f.is_anchor`

func (s *Store) SearchVector(
	ctx context.Context,
	query []float32,
	k int,
	pathPrefix string,
) ([]models.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, err
	}
	// over-fetch so a path-prefix filter applied after KNN can still fill k
	fetch := k
	if pathPrefix != "" {
		fetch = k * 8
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH knn AS (
			SELECT rowid, distance
			FROM vec_fragments
			WHERE embedding MATCH ?
			ORDER BY distance
			LIMIT ?
		)
		SELECT `+fragmentColumns+`, knn.distance
		FROM knn
		JOIN vec_map m ON m.rid = knn.rowid
		JOIN fragments f ON f.id = m.id
		WHERE (? = '' OR f.path LIKE ? || '%')
		ORDER BY knn.distance ASC
		LIMIT ?`, blob, fetch, pathPrefix, pathPrefix, k)
	if err != nil {
		if missingTable(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHits(rows, func(distance float64) float64 { return 1 - distance })
}

func (s *Store) SearchFTS(
	ctx context.Context,
	query string,
	k int,
	pathPrefix string,
) ([]models.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	if s.fts {
		hits, err := s.searchFTS5(ctx, query, k, pathPrefix)
		if err == nil {
			return hits, nil
		}
		s.logger.Debug("fts5 query failed, falling back to LIKE", zap.Error(err))
	}
	return s.searchLike(ctx, query, k, pathPrefix)
}

func (s *Store) searchFTS5(ctx context.Context, query string, k int, pathPrefix string) ([]models.SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+`, bm25(fragments_fts)
		FROM fragments_fts
		JOIN fragments f ON f.rowid = fragments_fts.rowid
		WHERE fragments_fts MATCH ?
		  AND (? = '' OR f.path LIKE ? || '%')
		ORDER BY bm25(fragments_fts)
		LIMIT ?`, ftsQuery(query), pathPrefix, pathPrefix, k)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	// bm25() is a rank where lower is better; negate for a descending score
	return scanHits(rows, func(rank float64) float64 { return -rank })
}

// searchLike is the degraded keyword path when FTS5 is not available.
func (s *Store) searchLike(ctx context.Context, query string, k int, pathPrefix string) ([]models.SearchHit, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var score, match strings.Builder
	args := make([]any, 0, 2*len(terms)+3)
	for i, t := range terms {
		if i > 0 {
			score.WriteString(" + ")
			match.WriteString(" OR ")
		}
		score.WriteString(`(f.text LIKE '%' || ? || '%')`)
		match.WriteString(`f.text LIKE '%' || ? || '%'`)
		args = append(args, t)
	}
	for _, t := range terms {
		args = append(args, t)
	}
	args = append(args, pathPrefix, pathPrefix, k)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+`, -(`+score.String()+`)
		FROM fragments f
		WHERE (`+match.String()+`)
		  AND (? = '' OR f.path LIKE ? || '%')
		ORDER BY 9
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanHits(rows, func(rank float64) float64 { return -rank })
}

func scanHits(rows *sql.Rows, score func(float64) float64) ([]models.SearchHit, error) {
	var hits []models.SearchHit
	for rows.Next() {
		var f models.Fragment
		var kind string
		var anchor int
		var raw float64
		if err := rows.Scan(
			&f.ID, &f.Path, &f.Hash, &f.StartLine, &f.EndLine, &kind, &f.Text, &anchor, &raw,
		); err != nil {
			return nil, err
		}
		f.Kind = models.StringToFragmentKind(kind)
		f.IsAnchor = anchor != 0
		hits = append(hits, models.SearchHit{Fragment: f, Score: score(raw)})
	}
	return hits, rows.Err()
}

// CreateFTSIndex builds the external-content FTS5 table and backfills it.
// Failure is non-fatal: keyword search degrades to LIKE.
func (s *Store) CreateFTSIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS fragments_fts USING fts5(
		text,
		path UNINDEXED,
		content='fragments',
		content_rowid='rowid'
	);`)
	if err != nil {
		if strings.Contains(err.Error(), "no such module: fts5") {
			s.logger.Warn("fts5 unavailable, keyword search will use LIKE")
			return nil
		}
		return fmt.Errorf("create fts table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO fragments_fts(fragments_fts) VALUES('rebuild')`); err != nil {
		return fmt.Errorf("rebuild fts index: %w", err)
	}
	s.fts = true
	return nil
}

// CreateVectorIndex is a no-op for vec0, which maintains its own
// structures on insert; kept for contract symmetry and to run ANALYZE.
func (s *Store) CreateVectorIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `ANALYZE`)
	return err
}

// ftsQuery quotes terms so punctuation in natural-language queries cannot
// break FTS5 syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, ``)
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func missingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
