package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dispensary-deals/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local and
// single-node runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection also serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_documents (
	id              TEXT PRIMARY KEY,
	dispensary_id   TEXT NOT NULL,
	doc_date        TEXT NOT NULL,
	storage_path    TEXT NOT NULL,
	source_url      TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	mime_type       TEXT NOT NULL,
	deals_extracted INTEGER NOT NULL DEFAULT 0,
	fetched_at      DATETIME NOT NULL,
	processed_at    DATETIME,
	UNIQUE (dispensary_id, doc_date, content_hash)
);

CREATE TABLE IF NOT EXISTS brands (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	name_key   TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
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
	confidence         REAL NOT NULL,
	fingerprint        TEXT NOT NULL,
	needs_review       INTEGER NOT NULL DEFAULT 0,
	source_url         TEXT NOT NULL,
	source_document_id TEXT REFERENCES source_documents(id),
	created_at         DATETIME NOT NULL,
	UNIQUE (deal_date, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_deals_date_category ON deals(deal_date, category);

CREATE TABLE IF NOT EXISTS review_flags (
	id         TEXT PRIMARY KEY,
	deal_id    TEXT NOT NULL REFERENCES deals(id),
	reason     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS subscribers (
	email        TEXT PRIMARY KEY,
	categories   TEXT NOT NULL DEFAULT '[]',
	brands       TEXT NOT NULL DEFAULT '[]',
	zip          TEXT NOT NULL DEFAULT '',
	radius_miles INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS throttle_counters (
	key         TEXT PRIMARY KEY,
	count       INTEGER NOT NULL,
	reset_at_ms INTEGER NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindSourceDocument(ctx context.Context, dispensaryID, date, contentHash string) (*model.SourceDocument, error) {
	var d model.SourceDocument
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dispensary_id, doc_date, storage_path, source_url, content_hash, mime_type, deals_extracted, fetched_at, processed_at
		 FROM source_documents WHERE dispensary_id = ? AND doc_date = ? AND content_hash = ?`,
		dispensaryID, date, contentHash,
	).Scan(&d.ID, &d.DispensaryID, &d.Date, &d.StoragePath, &d.SourceURL, &d.ContentHash,
		&d.MIMEType, &d.DealsExtracted, &d.FetchedAt, &d.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find source document %s/%s", dispensaryID, date)
	}
	return &d, nil
}

func (s *SQLiteStore) CreateSourceDocument(ctx context.Context, doc *model.SourceDocument) (bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO source_documents (id, dispensary_id, doc_date, storage_path, source_url, content_hash, mime_type, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dispensary_id, doc_date, content_hash) DO NOTHING`,
		doc.ID, doc.DispensaryID, doc.Date, doc.StoragePath, doc.SourceURL, doc.ContentHash, doc.MIMEType, doc.FetchedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert source document %s", doc.DispensaryID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkSourceDocumentProcessed(ctx context.Context, id string, dealsExtracted int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_documents SET deals_extracted = ?, processed_at = ? WHERE id = ?`,
		dealsExtracted, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark source document %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("source document not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) DealFingerprintExists(ctx context.Context, date, fingerprint string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM deals WHERE deal_date = ? AND fingerprint = ?)`,
		date, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: fingerprint exists")
	}
	return exists, nil
}

func (s *SQLiteStore) InsertDeals(ctx context.Context, deals []model.Deal) ([]model.Deal, error) {
	if len(deals) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert deals: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deals (id, dispensary_id, city, deal_date, category, title, product_name, price, brand_id,
		  confidence, fingerprint, needs_review, source_url, source_document_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (deal_date, fingerprint) DO NOTHING`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare insert deal")
	}
	defer stmt.Close()

	inserted := make([]model.Deal, 0, len(deals))
	for _, d := range deals {
		prepareDeal(&d)
		res, err := stmt.ExecContext(ctx,
			d.ID, d.DispensaryID, d.City, d.Date, string(d.Category), d.Title, d.ProductName, d.Price, d.BrandID,
			d.Confidence, d.Fingerprint, d.NeedsReview, d.SourceURL, d.SourceDocumentID, d.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert deal %q", d.Title)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, d)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert deals: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) InsertReviewFlags(ctx context.Context, flags []model.ReviewFlag) error {
	if len(flags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert review flags: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, f := range flags {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO review_flags (id, deal_id, reason, created_at) VALUES (?, ?, ?, ?)`,
			f.ID, f.DealID, f.Reason, f.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert review flag for deal %s", f.DealID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert review flags: commit")
}

func (s *SQLiteStore) ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals d LEFT JOIN brands b ON b.id = d.brand_id WHERE d.deal_date = ?`
	args := []any{filter.Date}

	if len(filter.Categories) > 0 {
		query += ` AND d.category IN (` + placeholders(len(filter.Categories)) + `)`
		for _, c := range categoryStrings(filter.Categories) {
			args = append(args, c)
		}
	}
	if keys := brandKeys(filter.Brands); len(keys) > 0 {
		query += ` AND b.name_key IN (` + placeholders(len(keys)) + `)`
		for _, k := range keys {
			args = append(args, k)
		}
	}
	if filter.ExcludeReview {
		query += ` AND d.needs_review = 0`
	}
	query += ` ORDER BY d.created_at DESC`
	if n, ok := dealLimit(filter); ok {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deals")
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		var d model.Deal
		var category string
		if err := rows.Scan(&d.ID, &d.DispensaryID, &d.City, &d.Date, &category, &d.Title, &d.ProductName, &d.Price,
			&d.BrandID, &d.BrandName, &d.Confidence, &d.Fingerprint, &d.NeedsReview, &d.SourceURL, &d.SourceDocumentID, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deal")
		}
		d.Category = model.Category(category)
		deals = append(deals, d)
	}
	return deals, eris.Wrap(rows.Err(), "sqlite: list deals iterate")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) FindBrandByName(ctx context.Context, name string) (*model.Brand, error) {
	var b model.Brand
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM brands WHERE name_key = ?`, model.BrandKey(name),
	).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find brand %q", name)
	}
	return &b, nil
}

func (s *SQLiteStore) CreateBrand(ctx context.Context, name string) (*model.Brand, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eris.New("sqlite: create brand: empty name")
	}
	var b model.Brand
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO brands (id, name, name_key, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name_key) DO UPDATE SET name_key = excluded.name_key
		 RETURNING id, name, created_at`,
		uuid.New().String(), name, model.BrandKey(name), time.Now().UTC(),
	).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create brand %q", name)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBrands(ctx context.Context) ([]model.Brand, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM brands ORDER BY name_key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list brands")
	}
	defer rows.Close()

	var brands []model.Brand
	for rows.Next() {
		var b model.Brand
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan brand")
		}
		brands = append(brands, b)
	}
	return brands, eris.Wrap(rows.Err(), "sqlite: list brands iterate")
}

func (s *SQLiteStore) SeedBrands(ctx context.Context, names []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed brands: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var total int64
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := model.BrandKey(n)
		if key == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO brands (id, name, name_key, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (name_key) DO NOTHING`,
			uuid.New().String(), n, key, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed brand %q", n)
		}
		affected, _ := res.RowsAffected()
		total += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: seed brands: commit")
	}
	return total, nil
}

func (s *SQLiteStore) GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error) {
	var sub model.Subscriber
	var catsJSON, brandsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT email, categories, brands, zip, radius_miles, updated_at FROM subscribers WHERE email = ?`,
		strings.ToLower(email),
	).Scan(&sub.Email, &catsJSON, &brandsJSON, &sub.Zip, &sub.RadiusMiles, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get subscriber")
	}
	if err := json.Unmarshal([]byte(catsJSON), &sub.Categories); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal subscriber categories")
	}
	if err := json.Unmarshal([]byte(brandsJSON), &sub.Brands); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal subscriber brands")
	}
	return &sub, nil
}

func (s *SQLiteStore) UpsertSubscriber(ctx context.Context, sub *model.Subscriber) error {
	sub.UpdatedAt = time.Now().UTC()
	cats := sub.Categories
	if cats == nil {
		cats = []model.Category{}
	}
	brands := sub.Brands
	if brands == nil {
		brands = []string{}
	}
	catsJSON, err := json.Marshal(cats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal categories")
	}
	brandsJSON, err := json.Marshal(brands)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal brands")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers (email, categories, brands, zip, radius_miles, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET categories = excluded.categories, brands = excluded.brands,
		   zip = excluded.zip, radius_miles = excluded.radius_miles, updated_at = excluded.updated_at`,
		strings.ToLower(sub.Email), string(catsJSON), string(brandsJSON), sub.Zip, sub.RadiusMiles, sub.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert subscriber")
}

func (s *SQLiteStore) IncrementCounter(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	nowMs := now.UnixMilli()
	resetMs := now.Add(window).UnixMilli()

	var count int
	var resetAtMs int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO throttle_counters (key, count, reset_at_ms) VALUES (?, 1, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE WHEN throttle_counters.reset_at_ms <= ? THEN 1 ELSE throttle_counters.count + 1 END,
		   reset_at_ms = CASE WHEN throttle_counters.reset_at_ms <= ? THEN excluded.reset_at_ms ELSE throttle_counters.reset_at_ms END
		 RETURNING count, reset_at_ms`,
		key, resetMs, nowMs, nowMs,
	).Scan(&count, &resetAtMs)
	if err != nil {
		return 0, time.Time{}, eris.Wrapf(err, "sqlite: increment counter %s", key)
	}
	return count, time.UnixMilli(resetAtMs).UTC(), nil
}

func (s *SQLiteStore) PruneCounters(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM throttle_counters WHERE reset_at_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune counters")
	}
	return res.RowsAffected()
}
