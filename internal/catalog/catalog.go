// Package catalog persists recording session metadata in a sqlite database
// so sessions can be listed and reopened after a restart. Schema changes go
// through embedded migrations.
package catalog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aperture-data/fusion.capture/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Recording is one catalogued session.
type Recording struct {
	ID            string
	Dir           string
	Prefix        string
	EventFormat   string
	FrameCameras  int
	EventCameras  int
	MasterSerial  string
	StartedAt     time.Time
	StoppedAt     *time.Time
	FramesWritten int64
	FramesDropped int64
}

// Catalog wraps the sqlite database holding recording metadata.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path and applies pending migrations.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}

	c := &Catalog{db: db}
	if err := c.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrateUp() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("catalog: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("catalog: migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Note: m is not closed because that would close the DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog: migration up failed: %w", err)
	}
	return nil
}

// migrateLogger routes golang-migrate output through the package logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// BeginRecording inserts a new session row and returns its generated ID.
func (c *Catalog) BeginRecording(r Recording) (string, error) {
	id := uuid.NewString()
	_, err := c.db.Exec(`
		INSERT INTO recordings
			(id, dir, prefix, event_format, frame_cameras, event_cameras, master_serial, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Dir, r.Prefix, r.EventFormat, r.FrameCameras, r.EventCameras, r.MasterSerial, r.StartedAt)
	if err != nil {
		return "", fmt.Errorf("catalog: inserting recording: %w", err)
	}
	return id, nil
}

// FinishRecording marks a session as stopped and stores its final counters.
func (c *Catalog) FinishRecording(id string, stoppedAt time.Time, framesWritten, framesDropped int64) error {
	res, err := c.db.Exec(`
		UPDATE recordings
		SET stopped_at = ?, frames_written = ?, frames_dropped = ?
		WHERE id = ?`,
		stoppedAt, framesWritten, framesDropped, id)
	if err != nil {
		return fmt.Errorf("catalog: finishing recording %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("catalog: no recording with id %s", id)
	}
	return nil
}

// Get returns one recording by ID.
func (c *Catalog) Get(id string) (Recording, error) {
	row := c.db.QueryRow(`
		SELECT id, dir, prefix, event_format, frame_cameras, event_cameras,
		       master_serial, started_at, stopped_at, frames_written, frames_dropped
		FROM recordings WHERE id = ?`, id)

	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("catalog: no recording with id %s", id)
	}
	return r, err
}

// List returns all recordings, newest first.
func (c *Catalog) List() ([]Recording, error) {
	rows, err := c.db.Query(`
		SELECT id, dir, prefix, event_format, frame_cameras, event_cameras,
		       master_serial, started_at, stopped_at, frames_written, frames_dropped
		FROM recordings ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(s scanner) (Recording, error) {
	var r Recording
	var stopped sql.NullTime
	err := s.Scan(&r.ID, &r.Dir, &r.Prefix, &r.EventFormat, &r.FrameCameras,
		&r.EventCameras, &r.MasterSerial, &r.StartedAt, &stopped,
		&r.FramesWritten, &r.FramesDropped)
	if err != nil {
		return Recording{}, err
	}
	if stopped.Valid {
		t := stopped.Time
		r.StoppedAt = &t
	}
	return r, nil
}
