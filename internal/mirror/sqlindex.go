package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Index answers catalog queries from a derived projection of the state
// blobs. Two implementations exist: the SQLite index (the normal case) and
// the in-memory scanIndex fallback used when the engine cannot start. Both
// honor identical filter/sort/pagination semantics.
type Index interface {
	ReplaceDynamic(ctx context.Context, rows []Row) error
	ReplaceBuiltin(ctx context.Context, rows []Row) error

	QueryDynamicItems(ctx context.Context, opts QueryOptions) (*QueryResult, error)
	QueryBuiltinItems(ctx context.Context, opts QueryOptions) (*QueryResult, error)
	QueryItems(ctx context.Context, opts QueryOptions) (*QueryResult, error)
	QueryDynamicCategoryCounts(ctx context.Context, isAdmin bool) (map[string]int, error)
	DynamicItemByID(ctx context.Context, id string, isAdmin bool) (*Row, error)
	BuiltinItemByID(ctx context.Context, id string, isAdmin bool) (*Row, error)

	Close() error
}

// sqlIndex is the SQLite-backed Index.
type sqlIndex struct {
	conn *sql.DB
	path string
}

// OpenSQL opens (or creates) the index database and its schema. The index
// is disposable: deleting the file just forces a rebuild from the blobs.
func OpenSQL(path string) (Index, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mirror: create index directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("mirror: open index database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mirror: ping index database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	idx := &sqlIndex{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("mirror: %s: %w", pragma, err)
		}
	}

	if err := idx.initSchema(); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *sqlIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dynamic_items (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		category_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		thumbnail TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL DEFAULT 0,
		hidden INTEGER NOT NULL DEFAULT 0,
		upload_kind TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		title_sort BLOB NOT NULL,
		search_text TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS builtin_items (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		thumbnail TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL DEFAULT 1,
		hidden INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT '',
		title_sort BLOB NOT NULL,
		search_text TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_dynamic_visibility
	    ON dynamic_items(published, hidden);
	CREATE INDEX IF NOT EXISTS idx_dynamic_category ON dynamic_items(category_id);
	CREATE INDEX IF NOT EXISTS idx_dynamic_order
	    ON dynamic_items(created_at DESC, title_sort, id);
	CREATE INDEX IF NOT EXISTS idx_builtin_visibility
	    ON builtin_items(published, hidden, deleted);
	CREATE INDEX IF NOT EXISTS idx_builtin_category ON builtin_items(category_id);
	`
	if _, err := idx.conn.Exec(schema); err != nil {
		return fmt.Errorf("mirror: initialize index schema: %w", err)
	}
	return nil
}

// Close checkpoints and closes the database.
func (idx *sqlIndex) Close() error {
	if idx.conn == nil {
		return nil
	}
	_, _ = idx.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := idx.conn.Close()
	idx.conn = nil
	if err != nil {
		return fmt.Errorf("mirror: close index database: %w", err)
	}
	return nil
}

// ReplaceDynamic swaps the dynamic_items table to exactly rows inside one
// transaction. Full replacement, never an incremental diff: concurrent
// readers see either the old table or the new one, and the table is always
// consistent with the last known blob content.
func (idx *sqlIndex) ReplaceDynamic(ctx context.Context, rows []Row) error {
	tx, err := idx.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror: begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM dynamic_items"); err != nil {
		return fmt.Errorf("mirror: clear dynamic index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dynamic_items (
			id, type, category_id, title, description, location, thumbnail,
			sort_order, published, hidden, upload_kind, created_at, updated_at,
			title_sort, search_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("mirror: prepare dynamic insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.ID, r.Type, r.CategoryID, r.Title, r.Description, r.Location,
			r.Thumbnail, r.Order, boolInt(r.Published), boolInt(r.Hidden),
			r.UploadKind, r.CreatedAt, r.UpdatedAt, r.titleSort,
			searchText(r.Title, r.Description, r.Location, r.ID),
		)
		if err != nil {
			return fmt.Errorf("mirror: index dynamic item %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mirror: commit dynamic reindex: %w", err)
	}
	return nil
}

// ReplaceBuiltin swaps the builtin_items table to exactly rows inside one
// transaction.
func (idx *sqlIndex) ReplaceBuiltin(ctx context.Context, rows []Row) error {
	tx, err := idx.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror: begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM builtin_items"); err != nil {
		return fmt.Errorf("mirror: clear builtin index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO builtin_items (
			id, category_id, title, description, thumbnail, sort_order,
			published, hidden, deleted, updated_at, title_sort, search_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("mirror: prepare builtin insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.ID, r.CategoryID, r.Title, r.Description, r.Thumbnail, r.Order,
			boolInt(r.Published), boolInt(r.Hidden), boolInt(r.Deleted),
			r.UpdatedAt, r.titleSort,
			searchText(r.Title, r.Description, r.Location, r.ID),
		)
		if err != nil {
			return fmt.Errorf("mirror: index builtin item %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mirror: commit builtin reindex: %w", err)
	}
	return nil
}

// dynamicFilter builds the WHERE clause shared by list, count, and
// category-count queries over dynamic_items.
func dynamicFilter(opts QueryOptions) (string, []any) {
	var conditions []string
	var args []any

	if !opts.IsAdmin {
		conditions = append(conditions, "published = 1 AND hidden = 0")
	}
	if opts.CategoryID != "" {
		conditions = append(conditions, "category_id = ?")
		args = append(args, opts.CategoryID)
	}
	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.Query != "" {
		conditions = append(conditions, "instr(search_text, ?) > 0")
		args = append(args, strings.ToLower(opts.Query))
	}
	if len(conditions) == 0 {
		return "1=1", nil
	}
	return strings.Join(conditions, " AND "), args
}

func builtinFilter(opts QueryOptions) (string, []any) {
	var conditions []string
	var args []any

	if !opts.IsAdmin {
		conditions = append(conditions, "published = 1 AND hidden = 0")
	}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if opts.CategoryID != "" {
		conditions = append(conditions, "category_id = ?")
		args = append(args, opts.CategoryID)
	}
	if opts.Query != "" {
		conditions = append(conditions, "instr(search_text, ?) > 0")
		args = append(args, strings.ToLower(opts.Query))
	}
	if opts.Type != "" {
		// Builtins have no link/upload type; a type filter excludes them.
		conditions = append(conditions, "1=0")
	}
	if len(conditions) == 0 {
		return "1=1", nil
	}
	return strings.Join(conditions, " AND "), args
}

const dynamicColumns = `id, type, category_id, title, description, location,
	thumbnail, sort_order, published, hidden, upload_kind, created_at, updated_at`

const builtinColumns = `id, category_id, title, description, thumbnail,
	sort_order, published, hidden, deleted, updated_at`

func (idx *sqlIndex) QueryDynamicItems(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	where, args := dynamicFilter(opts)

	var total int
	countQuery := "SELECT COUNT(*) FROM dynamic_items WHERE " + where
	if err := idx.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("mirror: count dynamic items: %w", err)
	}

	query := "SELECT " + dynamicColumns + " FROM dynamic_items WHERE " + where +
		" ORDER BY created_at DESC, title_sort ASC, id ASC"
	query, args = paginate(query, args, opts)

	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: query dynamic items: %w", err)
	}
	defer rows.Close()

	items, err := scanDynamicRows(rows)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Total: total, Items: items}, nil
}

func (idx *sqlIndex) QueryBuiltinItems(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	where, args := builtinFilter(opts)

	var total int
	countQuery := "SELECT COUNT(*) FROM builtin_items WHERE " + where
	if err := idx.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("mirror: count builtin items: %w", err)
	}

	// Builtins carry no createdAt, so the created_at leg of the shared
	// tie-break rule degenerates and ordering starts at the title key.
	query := "SELECT " + builtinColumns + " FROM builtin_items WHERE " + where +
		" ORDER BY title_sort ASC, id ASC"
	query, args = paginate(query, args, opts)

	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: query builtin items: %w", err)
	}
	defer rows.Close()

	items, err := scanBuiltinRows(rows)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Total: total, Items: items}, nil
}

// QueryItems unions both tables in one statement, ranking dynamic items
// before builtins and applying one ORDER BY + LIMIT/OFFSET across the whole
// set so pages straddling the source boundary come back correctly ordered
// and counted.
func (idx *sqlIndex) QueryItems(ctx context.Context, opts QueryOptions) (*QueryResult, error) {
	dynWhere, dynArgs := dynamicFilter(opts)
	biWhere, biArgs := builtinFilter(opts)

	union := `
	SELECT 0 AS source_rank, id, type, category_id, title, description,
	       location, thumbnail, sort_order, published, hidden, 0 AS deleted,
	       upload_kind, created_at, updated_at, title_sort
	FROM dynamic_items WHERE ` + dynWhere + `
	UNION ALL
	SELECT 1 AS source_rank, id, '' AS type, category_id, title, description,
	       id AS location, thumbnail, sort_order, published, hidden, deleted,
	       '' AS upload_kind, '' AS created_at, updated_at, title_sort
	FROM builtin_items WHERE ` + biWhere

	args := append(append([]any{}, dynArgs...), biArgs...)

	var total int
	countQuery := "SELECT COUNT(*) FROM (" + union + ")"
	if err := idx.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("mirror: count merged items: %w", err)
	}

	query := "SELECT * FROM (" + union + `)
	ORDER BY source_rank ASC, created_at DESC, title_sort ASC, id ASC`
	query, args = paginate(query, args, opts)

	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: query merged items: %w", err)
	}
	defer rows.Close()

	var items []Row
	for rows.Next() {
		var (
			r          Row
			sourceRank int
			published  int
			hidden     int
			deleted    int
			titleSort  []byte
		)
		err := rows.Scan(&sourceRank, &r.ID, &r.Type, &r.CategoryID, &r.Title,
			&r.Description, &r.Location, &r.Thumbnail, &r.Order, &published,
			&hidden, &deleted, &r.UploadKind, &r.CreatedAt, &r.UpdatedAt,
			&titleSort)
		if err != nil {
			return nil, fmt.Errorf("mirror: scan merged item: %w", err)
		}
		if sourceRank == 0 {
			r.Source = SourceDynamic
		} else {
			r.Source = SourceBuiltin
			r.CreatedAt = ""
		}
		r.Published = published != 0
		r.Hidden = hidden != 0
		r.Deleted = deleted != 0
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror: iterate merged items: %w", err)
	}
	return &QueryResult{Total: total, Items: items}, nil
}

func (idx *sqlIndex) QueryDynamicCategoryCounts(ctx context.Context, isAdmin bool) (map[string]int, error) {
	where, args := dynamicFilter(QueryOptions{IsAdmin: isAdmin})
	query := "SELECT category_id, COUNT(*) FROM dynamic_items WHERE " + where +
		" GROUP BY category_id"
	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: count categories: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("mirror: scan category count: %w", err)
		}
		counts[category] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror: iterate category counts: %w", err)
	}
	return counts, nil
}

// DynamicItemByID looks up one dynamic item under the same visibility rules
// as the list queries. A filtered or missing item returns (nil, nil).
func (idx *sqlIndex) DynamicItemByID(ctx context.Context, id string, isAdmin bool) (*Row, error) {
	where, args := dynamicFilter(QueryOptions{IsAdmin: isAdmin})
	query := "SELECT " + dynamicColumns + " FROM dynamic_items WHERE id = ? AND " + where
	args = append([]any{id}, args...)

	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: query dynamic item %s: %w", id, err)
	}
	defer rows.Close()

	items, err := scanDynamicRows(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// BuiltinItemByID looks up one builtin item under list-query visibility.
func (idx *sqlIndex) BuiltinItemByID(ctx context.Context, id string, isAdmin bool) (*Row, error) {
	where, args := builtinFilter(QueryOptions{IsAdmin: isAdmin})
	query := "SELECT " + builtinColumns + " FROM builtin_items WHERE id = ? AND " + where
	args = append([]any{id}, args...)

	rows, err := idx.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: query builtin item %s: %w", id, err)
	}
	defer rows.Close()

	items, err := scanBuiltinRows(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func paginate(query string, args []any, opts QueryOptions) (string, []any) {
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}

func scanDynamicRows(rows *sql.Rows) ([]Row, error) {
	var items []Row
	for rows.Next() {
		var r Row
		var published, hidden int
		err := rows.Scan(&r.ID, &r.Type, &r.CategoryID, &r.Title,
			&r.Description, &r.Location, &r.Thumbnail, &r.Order, &published,
			&hidden, &r.UploadKind, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("mirror: scan dynamic item: %w", err)
		}
		r.Source = SourceDynamic
		r.Published = published != 0
		r.Hidden = hidden != 0
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror: iterate dynamic items: %w", err)
	}
	return items, nil
}

func scanBuiltinRows(rows *sql.Rows) ([]Row, error) {
	var items []Row
	for rows.Next() {
		var r Row
		var published, hidden, deleted int
		err := rows.Scan(&r.ID, &r.CategoryID, &r.Title, &r.Description,
			&r.Thumbnail, &r.Order, &published, &hidden, &deleted, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("mirror: scan builtin item: %w", err)
		}
		r.Source = SourceBuiltin
		r.Location = r.ID
		r.Published = published != 0
		r.Hidden = hidden != 0
		r.Deleted = deleted != 0
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror: iterate builtin items: %w", err)
	}
	return items, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
