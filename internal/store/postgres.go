package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dispensary-deals/internal/db"
	"github.com/sells-group/dispensary-deals/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection; they cover the
// per-request hot paths of the throttle and the fetch stage.
var preparedStatements = map[string]string{
	"increment_counter":    incrementCounterSQL,
	"find_source_document": findSourceDocumentSQL,
	"fingerprint_exists":   `SELECT EXISTS (SELECT 1 FROM deals WHERE deal_date = $1 AND fingerprint = $2)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_documents (
	id              TEXT PRIMARY KEY,
	dispensary_id   TEXT NOT NULL,
	doc_date        TEXT NOT NULL,
	storage_path    TEXT NOT NULL,
	source_url      TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	mime_type       TEXT NOT NULL,
	deals_extracted INTEGER NOT NULL DEFAULT 0,
	fetched_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at    TIMESTAMPTZ,
	UNIQUE (dispensary_id, doc_date, content_hash)
);

CREATE TABLE IF NOT EXISTS brands (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	name_key   TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deals (
	id                 TEXT PRIMARY KEY,
	dispensary_id      TEXT NOT NULL,
	city               TEXT NOT NULL DEFAULT '',
	deal_date          TEXT NOT NULL,
	category           TEXT NOT NULL,
	title              TEXT NOT NULL,
	product_name       TEXT NOT NULL DEFAULT '',
	price              TEXT NOT NULL,
	brand_id           TEXT REFERENCES brands(id),
	confidence         DOUBLE PRECISION NOT NULL,
	fingerprint        TEXT NOT NULL,
	needs_review       BOOLEAN NOT NULL DEFAULT false,
	source_url         TEXT NOT NULL,
	source_document_id TEXT REFERENCES source_documents(id),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (deal_date, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_deals_date_category ON deals(deal_date, category);
CREATE INDEX IF NOT EXISTS idx_deals_brand ON deals(brand_id);

CREATE TABLE IF NOT EXISTS review_flags (
	id         TEXT PRIMARY KEY,
	deal_id    TEXT NOT NULL REFERENCES deals(id),
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_review_flags_deal ON review_flags(deal_id);

CREATE TABLE IF NOT EXISTS subscribers (
	email        TEXT PRIMARY KEY,
	categories   TEXT[] NOT NULL DEFAULT '{}',
	brands       TEXT[] NOT NULL DEFAULT '{}',
	zip          TEXT NOT NULL DEFAULT '',
	radius_miles INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS throttle_counters (
	key      TEXT PRIMARY KEY,
	count    INTEGER NOT NULL,
	reset_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_throttle_counters_reset ON throttle_counters(reset_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const findSourceDocumentSQL = `SELECT id, dispensary_id, doc_date, storage_path, source_url, content_hash, mime_type, deals_extracted, fetched_at, processed_at
	FROM source_documents WHERE dispensary_id = $1 AND doc_date = $2 AND content_hash = $3`

func (s *PostgresStore) FindSourceDocument(ctx context.Context, dispensaryID, date, contentHash string) (*model.SourceDocument, error) {
	var d model.SourceDocument
	err := s.pool.QueryRow(ctx, findSourceDocumentSQL, dispensaryID, date, contentHash).Scan(
		&d.ID, &d.DispensaryID, &d.Date, &d.StoragePath, &d.SourceURL, &d.ContentHash,
		&d.MIMEType, &d.DealsExtracted, &d.FetchedAt, &d.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find source document %s/%s", dispensaryID, date)
	}
	return &d, nil
}

// CreateSourceDocument inserts doc, assigning an id when empty. It reports
// false without error when the (dispensary, date, hash) key already exists.
func (s *PostgresStore) CreateSourceDocument(ctx context.Context, doc *model.SourceDocument) (bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO source_documents (id, dispensary_id, doc_date, storage_path, source_url, content_hash, mime_type, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (dispensary_id, doc_date, content_hash) DO NOTHING`,
		doc.ID, doc.DispensaryID, doc.Date, doc.StoragePath, doc.SourceURL, doc.ContentHash, doc.MIMEType, doc.FetchedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert source document %s", doc.DispensaryID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkSourceDocumentProcessed(ctx context.Context, id string, dealsExtracted int, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_documents SET deals_extracted = $1, processed_at = $2 WHERE id = $3`,
		dealsExtracted, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark source document %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source document not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DealFingerprintExists(ctx context.Context, date, fingerprint string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deals WHERE deal_date = $1 AND fingerprint = $2)`,
		date, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: fingerprint exists")
	}
	return exists, nil
}

// InsertDeals writes deals in one transaction. Rows whose (date, fingerprint)
// already exists are skipped; the returned slice holds only inserted deals.
func (s *PostgresStore) InsertDeals(ctx context.Context, deals []model.Deal) ([]model.Deal, error) {
	if len(deals) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert deals: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inserted := make([]model.Deal, 0, len(deals))
	for _, d := range deals {
		prepareDeal(&d)
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO deals (id, dispensary_id, city, deal_date, category, title, product_name, price, brand_id,
			  confidence, fingerprint, needs_review, source_url, source_document_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (deal_date, fingerprint) DO NOTHING
			 RETURNING id`,
			d.ID, d.DispensaryID, d.City, d.Date, string(d.Category), d.Title, d.ProductName, d.Price, d.BrandID,
			d.Confidence, d.Fingerprint, d.NeedsReview, d.SourceURL, d.SourceDocumentID, d.CreatedAt,
		).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, eris.Wrapf(err, "postgres: insert deal %q", d.Title)
		}
		inserted = append(inserted, d)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: insert deals: commit")
	}
	return inserted, nil
}

func prepareDeal(d *model.Deal) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
}

func (s *PostgresStore) InsertReviewFlags(ctx context.Context, flags []model.ReviewFlag) error {
	rows := make([][]any, 0, len(flags))
	now := time.Now().UTC()
	for _, f := range flags {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		rows = append(rows, []any{f.ID, f.DealID, f.Reason, f.CreatedAt})
	}
	_, err := db.CopyFrom(ctx, s.pool, "review_flags", []string{"id", "deal_id", "reason", "created_at"}, rows)
	return eris.Wrap(err, "postgres: insert review flags")
}

const dealColumns = `d.id, d.dispensary_id, d.city, d.deal_date, d.category, d.title, d.product_name, d.price,
	d.brand_id, COALESCE(b.name, ''), d.confidence, d.fingerprint, d.needs_review, d.source_url, d.source_document_id, d.created_at`

func (s *PostgresStore) ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals d LEFT JOIN brands b ON b.id = d.brand_id WHERE d.deal_date = $1`
	args := []any{filter.Date}
	argIdx := 2

	if len(filter.Categories) > 0 {
		query += fmt.Sprintf(` AND d.category = ANY($%d)`, argIdx)
		args = append(args, categoryStrings(filter.Categories))
		argIdx++
	}
	if keys := brandKeys(filter.Brands); len(keys) > 0 {
		query += fmt.Sprintf(` AND b.name_key = ANY($%d)`, argIdx)
		args = append(args, keys)
		argIdx++
	}
	if filter.ExcludeReview {
		query += ` AND NOT d.needs_review`
	}
	query += ` ORDER BY d.created_at DESC`
	if n, ok := dealLimit(filter); ok {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, n)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deals")
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		var d model.Deal
		var category string
		if err := rows.Scan(&d.ID, &d.DispensaryID, &d.City, &d.Date, &category, &d.Title, &d.ProductName, &d.Price,
			&d.BrandID, &d.BrandName, &d.Confidence, &d.Fingerprint, &d.NeedsReview, &d.SourceURL, &d.SourceDocumentID, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deal")
		}
		d.Category = model.Category(category)
		deals = append(deals, d)
	}
	return deals, eris.Wrap(rows.Err(), "postgres: list deals iterate")
}

func (s *PostgresStore) FindBrandByName(ctx context.Context, name string) (*model.Brand, error) {
	var b model.Brand
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM brands WHERE name_key = $1`,
		model.BrandKey(name),
	).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find brand %q", name)
	}
	return &b, nil
}

// CreateBrand inserts a brand or returns the existing row with the same key.
func (s *PostgresStore) CreateBrand(ctx context.Context, name string) (*model.Brand, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eris.New("postgres: create brand: empty name")
	}

	var b model.Brand
	err := s.pool.QueryRow(ctx,
		`INSERT INTO brands (id, name, name_key, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name_key) DO UPDATE SET name_key = EXCLUDED.name_key
		 RETURNING id, name, created_at`,
		uuid.New().String(), name, model.BrandKey(name), time.Now().UTC(),
	).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create brand %q", name)
	}
	return &b, nil
}

func (s *PostgresStore) ListBrands(ctx context.Context) ([]model.Brand, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at FROM brands ORDER BY name_key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list brands")
	}
	defer rows.Close()

	var brands []model.Brand
	for rows.Next() {
		var b model.Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan brand")
		}
		brands = append(brands, b)
	}
	return brands, eris.Wrap(rows.Err(), "postgres: list brands iterate")
}

// SeedBrands bulk-inserts names, leaving existing brands untouched.
func (s *PostgresStore) SeedBrands(ctx context.Context, names []string) (int64, error) {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(names))
	rows := make([][]any, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := model.BrandKey(n)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, []any{uuid.New().String(), n, key, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "brands",
		Columns:      []string{"id", "name", "name_key", "created_at"},
		ConflictKeys: []string{"name_key"},
		UpdateCols:   []string{},
	}, rows)
	return n, eris.Wrap(err, "postgres: seed brands")
}

func (s *PostgresStore) GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error) {
	var sub model.Subscriber
	var cats []string
	err := s.pool.QueryRow(ctx,
		`SELECT email, categories, brands, zip, radius_miles, updated_at FROM subscribers WHERE lower(email) = lower($1)`,
		email,
	).Scan(&sub.Email, &cats, &sub.Brands, &sub.Zip, &sub.RadiusMiles, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get subscriber")
	}
	for _, c := range cats {
		sub.Categories = append(sub.Categories, model.Category(c))
	}
	return &sub, nil
}

func (s *PostgresStore) UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error {
	sub.UpdatedAt = time.Now().UTC()
	brands := sub.Brands
	if brands == nil {
		brands = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscribers (email, categories, brands, zip, radius_miles, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (email) DO UPDATE SET categories = $2, brands = $3, zip = $4, radius_miles = $5, updated_at = $6`,
		strings.ToLower(sub.Email), categoryStrings(sub.Categories), brands, sub.Zip, sub.RadiusMiles, sub.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: upsert subscriber")
}

// incrementCounterSQL bumps a fixed-window counter, restarting it when the
// stored window has elapsed. $2 is the new reset time, $3 the current time.
const incrementCounterSQL = `INSERT INTO throttle_counters (key, count, reset_at) VALUES ($1, 1, $2)
	ON CONFLICT (key) DO UPDATE SET
		count = CASE WHEN throttle_counters.reset_at <= $3 THEN 1 ELSE throttle_counters.count + 1 END,
		reset_at = CASE WHEN throttle_counters.reset_at <= $3 THEN $2 ELSE throttle_counters.reset_at END
	RETURNING count, reset_at`

func (s *PostgresStore) IncrementCounter(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	var count int
	var resetAt time.Time
	now = now.UTC()
	err := s.pool.QueryRow(ctx, incrementCounterSQL, key, now.Add(window), now).Scan(&count, &resetAt)
	if err != nil {
		return 0, time.Time{}, eris.Wrapf(err, "postgres: increment counter %s", key)
	}
	return count, resetAt, nil
}

func (s *PostgresStore) PruneCounters(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM throttle_counters WHERE reset_at <= $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune counters")
	}
	return tag.RowsAffected(), nil
}
