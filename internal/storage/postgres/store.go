// Package postgres provides the Postgres-backed item catalog.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements archive.Catalog on Postgres.
type Store struct {
	pool dbtx
	now  func() time.Time
}

const itemColumns = `i.id, i.url, i.type, COALESCE(i.title, ''), COALESCE(i.source_domain, ''), i.status,
	i.policy_video_download_allowed, COALESCE(i.error_message, ''), i.created_at, i.updated_at,
	COALESCE(ARRAY(
		SELECT t.name FROM item_tags it JOIN tags t ON t.id = it.tag_id
		WHERE it.item_id = i.id ORDER BY t.name
	), '{}')`

const assetColumns = `id, item_id, kind, path, sha256, size, COALESCE(mime, ''), created_at`

// New creates a pool-backed Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: utcNow}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbtx) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, now: utcNow}, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateItem inserts item and links its tags in one transaction.
func (s *Store) CreateItem(ctx context.Context, item archive.Item, tags []string) (archive.Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return archive.Item{}, archive.NewStorageError("begin", "items", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	err = tx.QueryRow(ctx, `
INSERT INTO items (url, type, title, source_domain, status, policy_video_download_allowed, error_message, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9)
RETURNING id`,
		item.URL, item.Type, item.Title, item.SourceDomain, item.Status,
		item.PolicyVideoDownloadAllowed, item.ErrorMessage, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return archive.Item{}, archive.NewStorageError("insert", "items", err)
	}

	item.Tags = []string{}
	seen := make(map[string]struct{})
	for _, raw := range tags {
		name := strings.TrimSpace(raw)
		key := strings.ToLower(name)
		if name == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		var (
			tagID     int64
			canonical string
		)
		err := tx.QueryRow(ctx, `
INSERT INTO tags (name) VALUES ($1)
ON CONFLICT ((lower(name))) DO UPDATE SET name = tags.name
RETURNING id, name`, name).Scan(&tagID, &canonical)
		if err != nil {
			return archive.Item{}, archive.NewStorageError("upsert", "tags", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO item_tags (item_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			item.ID, tagID,
		); err != nil {
			return archive.Item{}, archive.NewStorageError("insert", "item_tags", err)
		}
		item.Tags = append(item.Tags, canonical)
	}

	if err := tx.Commit(ctx); err != nil {
		return archive.Item{}, archive.NewStorageError("commit", "items", err)
	}
	committed = true
	return item, nil
}

// GetItem loads one item with its tags.
func (s *Store) GetItem(ctx context.Context, id int64) (archive.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items i WHERE i.id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Item{}, fmt.Errorf("item %d: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return archive.Item{}, archive.NewStorageError("select", "items", err)
	}
	return item, nil
}

// UpdateItem persists the mutable fields of item.
func (s *Store) UpdateItem(ctx context.Context, item archive.Item) error {
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE items SET
	type = $2,
	title = NULLIF($3, ''),
	source_domain = NULLIF($4, ''),
	status = $5,
	policy_video_download_allowed = $6,
	error_message = NULLIF($7, ''),
	updated_at = $8
WHERE id = $1`,
		item.ID, item.Type, item.Title, item.SourceDomain, item.Status,
		item.PolicyVideoDownloadAllowed, item.ErrorMessage, updatedAt,
	)
	if err != nil {
		return archive.NewStorageError("update", "items", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %d: %w", item.ID, archive.ErrNotFound)
	}
	return nil
}

// InsertAsset records an asset row.
func (s *Store) InsertAsset(ctx context.Context, asset archive.Asset) (archive.Asset, error) {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = s.now()
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO assets (item_id, kind, path, sha256, size, mime, created_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
RETURNING id`,
		asset.ItemID, asset.Kind, asset.Path, asset.SHA256, asset.Size, asset.MIME, asset.CreatedAt,
	).Scan(&asset.ID)
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("insert", "assets", err)
	}
	return asset, nil
}

// ListItems returns items newest first, filtered by a case-insensitive
// substring on url or title and by tag name.
func (s *Store) ListItems(ctx context.Context, filter archive.ItemFilter) ([]archive.Item, error) {
	limit := filter.Limit
	if limit <= 0 || limit > archive.DefaultListLimit {
		limit = archive.DefaultListLimit
	}
	query := strings.TrimSpace(filter.Query)
	pattern := ""
	if query != "" {
		pattern = "%" + escapeLike(query) + "%"
	}
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM items i
WHERE ($1 = '' OR i.url ILIKE $1 OR i.title ILIKE $1)
  AND ($2 = '' OR EXISTS (
	SELECT 1 FROM item_tags it JOIN tags t ON t.id = it.tag_id
	WHERE it.item_id = i.id AND lower(t.name) = lower($2)))
ORDER BY i.created_at DESC, i.id DESC
LIMIT $3`, pattern, strings.TrimSpace(filter.Tag), limit)
	if err != nil {
		return nil, archive.NewStorageError("select", "items", err)
	}
	defer rows.Close()

	items := make([]archive.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, archive.NewStorageError("scan", "items", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, archive.NewStorageError("select", "items", err)
	}
	return items, nil
}

// ListAssets returns the assets of one item.
func (s *Store) ListAssets(ctx context.Context, itemID int64) ([]archive.Asset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE item_id = $1 ORDER BY id`, itemID)
	if err != nil {
		return nil, archive.NewStorageError("select", "assets", err)
	}
	defer rows.Close()

	assets := make([]archive.Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, archive.NewStorageError("scan", "assets", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, archive.NewStorageError("select", "assets", err)
	}
	return assets, nil
}

// GetAsset loads one asset.
func (s *Store) GetAsset(ctx context.Context, id int64) (archive.Asset, error) {
	asset, err := scanAsset(s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Asset{}, fmt.Errorf("asset %d: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return archive.Asset{}, archive.NewStorageError("select", "assets", err)
	}
	return asset, nil
}

func scanItem(row pgx.Row) (archive.Item, error) {
	var (
		item   archive.Item
		typ    string
		status string
	)
	err := row.Scan(
		&item.ID, &item.URL, &typ, &item.Title, &item.SourceDomain, &status,
		&item.PolicyVideoDownloadAllowed, &item.ErrorMessage, &item.CreatedAt, &item.UpdatedAt,
		&item.Tags,
	)
	if err != nil {
		return archive.Item{}, err
	}
	item.Type = archive.ItemType(typ)
	item.Status = archive.ItemStatus(status)
	if item.Tags == nil {
		item.Tags = []string{}
	}
	return item, nil
}

func scanAsset(row pgx.Row) (archive.Asset, error) {
	var (
		asset archive.Asset
		kind  string
	)
	if err := row.Scan(&asset.ID, &asset.ItemID, &kind, &asset.Path, &asset.SHA256, &asset.Size, &asset.MIME, &asset.CreatedAt); err != nil {
		return archive.Asset{}, err
	}
	asset.Kind = archive.AssetKind(kind)
	return asset, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
