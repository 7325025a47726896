package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Sentinel errors shared by every repository implementation
var (
	ErrNotFound            = errors.New("record not found")
	ErrStaleState          = errors.New("record changed state concurrently")
	ErrActiveSession       = errors.New("booking already has an active payment session")
	ErrReservationReleased = errors.New("reservation already released")
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, committing only when fn succeeds
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// GetUnit retrieves a bookable unit by ID
func (s *Store) GetUnit(ctx context.Context, id string) (*models.BookableUnit, error) {
	var unit models.BookableUnit
	err := s.db.GetContext(ctx, &unit, "SELECT * FROM bookable_units WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ListUnits retrieves all bookable units
func (s *Store) ListUnits(ctx context.Context) ([]models.BookableUnit, error) {
	var units []models.BookableUnit
	err := s.db.SelectContext(ctx, &units, "SELECT * FROM bookable_units ORDER BY id")
	return units, err
}

// insertAudit appends an audit event inside tx
func insertAudit(ctx context.Context, tx *sqlx.Tx, ev *models.AuditEvent) error {
	if ev == nil {
		return nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	query := `
		INSERT INTO audit_events (occurred_at, actor, subject_type, subject_id, from_state, to_state, reason, evidence_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	if err := tx.GetContext(ctx, &ev.ID, query,
		ev.OccurredAt, ev.Actor, ev.SubjectType, ev.SubjectID,
		ev.FromState, ev.ToState, ev.Reason, ev.EvidenceRef); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}
