package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"

	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/ports"
)

var tracer = otel.Tracer("ArenaIngest/storage")

var recordColumns = []string{
	"id", "platform", "arena", "content_type", "scope",
	"text_content", "title", "url", "normalized_url",
	"published_at", "collected_at",
	"author_platform_id", "pseudonymized_author_id", "author_display_name", "author_is_public_figure",
	"views", "likes", "shares", "comments",
	"content_hash", "simhash", "language", "language_source",
	"search_terms", "raw_metadata", "duplicate_of", "dedup_incomplete",
}

// RecordStore persists content records in Postgres or SQLite.
type RecordStore struct {
	db      *sql.DB
	dialect dialect
	builder sq.StatementBuilderType
	logger  *slog.Logger

	partitions sync.Map
}

var _ ports.RecordStore = (*RecordStore)(nil)

// Open connects to the database behind driver and dsn. Schema changes are applied by Migrate.
func Open(driver, dsn string, logger *slog.Logger) (*RecordStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; SQLite upgrades read locks to write locks without waiting.
		db.SetMaxOpenConns(1)
	}
	return New(db, d, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, d dialect, logger *slog.Logger) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStore{
		db:      db,
		dialect: d,
		builder: sq.StatementBuilder.PlaceholderFormat(d.placeholders()),
		logger:  logger,
	}
}

// Close releases the connection pool.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Migrate brings the schema up to date.
func (s *RecordStore) Migrate(ctx context.Context) error {
	version, err := s.dialect.schemaVersion(ctx, s.db)
	if err != nil {
		return err
	}
	for i, statements := range s.dialect.migrations() {
		target := i + 1
		if version >= target {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", target, err)
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", target, err)
			}
		}
		if err := s.dialect.setSchemaVersion(ctx, tx, target); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", target, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", target, err)
		}
		s.logger.Info("schema migrated", "driver", s.dialect.name(), "version", target)
	}
	return nil
}

// Upsert inserts rec unless (platform, content_hash, scope) is already taken. It returns the id of
// the record owning that identity, which is rec.ID only when inserted is true.
func (s *RecordStore) Upsert(ctx context.Context, rec domain.Record) (storedID string, inserted bool, err error) {
	ctx, span := tracer.Start(ctx, "storage.Upsert")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("platform", rec.Platform), attribute.Bool("inserted", inserted))
		span.End()
	}()

	if rec.Scope == "" {
		rec.Scope = domain.DefaultScope
	}
	s.preparePartition(ctx, rec.PublishedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := s.builder.Insert("content_identity").
		Columns("platform", "content_hash", "scope", "record_id", "published_at").
		Values(rec.Platform, rec.ContentHash, rec.Scope, rec.ID, s.dialect.encodeTime(rec.PublishedAt)).
		Suffix("ON CONFLICT (platform, content_hash, scope) DO NOTHING").
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return "", false, fmt.Errorf("claim identity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("claim identity: %w", err)
	}

	if affected == 0 {
		var existing string
		err = s.builder.Select("record_id").
			From("content_identity").
			Where(sq.Eq{"platform": rec.Platform, "content_hash": rec.ContentHash, "scope": rec.Scope}).
			RunWith(tx).
			QueryRowContext(ctx).
			Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("load existing identity: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit upsert: %w", err)
		}
		return existing, false, nil
	}

	values, err := s.recordValues(rec)
	if err != nil {
		return "", false, err
	}
	_, err = s.builder.Insert("content_records").
		Columns(recordColumns...).
		Values(values...).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return "", false, fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	if err = tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit upsert: %w", err)
	}
	return rec.ID, true, nil
}

// preparePartition creates the month partition once per process; failures fall back to the
// default partition.
func (s *RecordStore) preparePartition(ctx context.Context, published time.Time) {
	month := published.UTC().Format("2006-01")
	if _, done := s.partitions.Load(month); done {
		return
	}
	if err := s.dialect.ensurePartition(ctx, s.db, published.UTC()); err != nil {
		s.logger.Warn("partition not created, using default partition", "month", month, "err", err)
		return
	}
	s.partitions.Store(month, struct{}{})
}

func (s *RecordStore) recordValues(rec domain.Record) ([]any, error) {
	terms, err := json.Marshal(rec.SearchTermsMatched)
	if err != nil {
		return nil, fmt.Errorf("encode search terms: %w", err)
	}
	meta, err := json.Marshal(rec.RawMetadata)
	if err != nil {
		return nil, fmt.Errorf("encode raw metadata for %s: %w", rec.ID, err)
	}

	var simhash sql.NullInt64
	if rec.SimhashFingerprint != nil {
		simhash = sql.NullInt64{Int64: int64(*rec.SimhashFingerprint), Valid: true}
	}

	return []any{
		rec.ID, rec.Platform, rec.Arena, rec.ContentType, rec.Scope,
		nullString(rec.TextContent), nullString(rec.Title), nullString(rec.URL), nullString(rec.NormalizedURL),
		s.dialect.encodeTime(rec.PublishedAt), s.dialect.encodeTime(rec.CollectedAt),
		nullString(rec.AuthorPlatformID), nullString(rec.PseudonymizedAuthorID), nullString(rec.AuthorDisplayName), rec.AuthorIsPublicFigure,
		nullInt(rec.Engagement.Views), nullInt(rec.Engagement.Likes), nullInt(rec.Engagement.Shares), nullInt(rec.Engagement.Comments),
		rec.ContentHash, simhash, rec.Language, string(rec.LanguageSource),
		string(terms), string(meta), nullString(rec.DuplicateOf), rec.DedupIncomplete,
	}, nil
}

// ApplyDuplicates writes dedup assignments in one transaction. Stored records that pointed at a
// record which is now itself a duplicate are re-pointed at its canonical, so clusters stay one
// level deep when a window pass only covers part of an earlier cluster.
func (s *RecordStore) ApplyDuplicates(ctx context.Context, assignments []domain.DuplicateAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply duplicates: %w", err)
	}
	for _, a := range assignments {
		_, err := s.builder.Update("content_records").
			Set("duplicate_of", nullString(a.DuplicateOf)).
			Set("dedup_incomplete", a.Incomplete).
			Where(sq.Eq{"id": a.ID}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply duplicate_of to %s: %w", a.ID, err)
		}
	}
	for _, a := range assignments {
		if a.DuplicateOf == "" {
			continue
		}
		_, err := s.builder.Update("content_records").
			Set("duplicate_of", a.DuplicateOf).
			Where(sq.Eq{"duplicate_of": a.ID}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("re-point duplicates of %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply duplicates: %w", err)
	}
	return nil
}

// LoadWindow returns the records of scope published in [from, to), oldest first.
func (s *RecordStore) LoadWindow(ctx context.Context, scope string, from, to time.Time) ([]domain.Record, error) {
	rows, err := s.builder.Select(recordColumns...).
		From("content_records").
		Where(sq.Eq{"scope": scope}).
		Where(sq.GtOrEq{"published_at": s.dialect.encodeTime(from)}).
		Where(sq.Lt{"published_at": s.dialect.encodeTime(to)}).
		OrderBy("published_at", "id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Get loads one record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (domain.Record, error) {
	rows, err := s.builder.Select(recordColumns...).
		From("content_records").
		Where(sq.Eq{"id": id}).
		Limit(1).
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return domain.Record{}, fmt.Errorf("query record %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Record{}, err
		}
		return domain.Record{}, fmt.Errorf("record %s: %w", id, sql.ErrNoRows)
	}
	return scanRecord(rows)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func scanRecord(rows *sql.Rows) (domain.Record, error) {
	var (
		rec                                     domain.Record
		text, title, url, normURL               sql.NullString
		authorID, pseudonym, authorName, dupOf  sql.NullString
		views, likes, shares, comments, simhash sql.NullInt64
		terms, meta                             sql.NullString
		languageSource                          string
	)
	err := rows.Scan(
		&rec.ID, &rec.Platform, &rec.Arena, &rec.ContentType, &rec.Scope,
		&text, &title, &url, &normURL,
		timeValue{&rec.PublishedAt}, timeValue{&rec.CollectedAt},
		&authorID, &pseudonym, &authorName, &rec.AuthorIsPublicFigure,
		&views, &likes, &shares, &comments,
		&rec.ContentHash, &simhash, &rec.Language, &languageSource,
		&terms, &meta, &dupOf, &rec.DedupIncomplete,
	)
	if err != nil {
		return domain.Record{}, fmt.Errorf("scan record: %w", err)
	}

	rec.TextContent, rec.Title, rec.URL, rec.NormalizedURL = text.String, title.String, url.String, normURL.String
	rec.AuthorPlatformID, rec.PseudonymizedAuthorID, rec.AuthorDisplayName = authorID.String, pseudonym.String, authorName.String
	rec.DuplicateOf = dupOf.String
	rec.LanguageSource = domain.LanguageSource(languageSource)
	rec.Engagement = domain.Engagement{
		Views: intPtr(views), Likes: intPtr(likes), Shares: intPtr(shares), Comments: intPtr(comments),
	}
	if simhash.Valid {
		v := uint64(simhash.Int64)
		rec.SimhashFingerprint = &v
	}
	if terms.Valid && terms.String != "" && terms.String != "null" {
		if err := json.Unmarshal([]byte(terms.String), &rec.SearchTermsMatched); err != nil {
			return domain.Record{}, fmt.Errorf("decode search terms of %s: %w", rec.ID, err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &rec.RawMetadata); err != nil {
			return domain.Record{}, fmt.Errorf("decode raw metadata of %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
