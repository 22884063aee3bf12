package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps metadata in the files table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*FileMetadata, error) {
	query :=
		`SELECT id, name, mime_type, size, token, dc, kind, views, downloads
		 FROM files WHERE id = $1`

	f := &FileMetadata{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&f.ID, &f.Name, &f.MimeType, &f.Size, &f.Token, &f.DC, &f.Kind, &f.Views, &f.Downloads)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) Put(ctx context.Context, f *FileMetadata) error {
	if !ValidID(f.ID) {
		return ErrInvalidID
	}

	query :=
		`INSERT INTO files (id, name, mime_type, size, token, dc, kind)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   mime_type = EXCLUDED.mime_type,
		   size = EXCLUDED.size,
		   token = EXCLUDED.token,
		   dc = EXCLUDED.dc,
		   kind = EXCLUDED.kind`

	_, err := s.db.ExecContext(ctx, query, f.ID, f.Name, f.MimeType, f.Size, f.Token, f.DC, f.Kind)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementViews(ctx context.Context, id string) error {
	return s.increment(ctx, `UPDATE files SET views = views + 1 WHERE id = $1`, id)
}

func (s *PostgresStore) IncrementDownloads(ctx context.Context, id string) error {
	return s.increment(ctx, `UPDATE files SET downloads = downloads + 1 WHERE id = $1`, id)
}

func (s *PostgresStore) increment(ctx context.Context, query, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
