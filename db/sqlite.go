package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"modelkit/ml"
)

// ErrNotFound is returned when a catalog row does not exist
var ErrNotFound = errors.New("not found")

const schema = `
    CREATE TABLE IF NOT EXISTS checkpoints (
        name TEXT PRIMARY KEY,
        path TEXT NOT NULL,
        model_name TEXT NOT NULL,
        arch TEXT NOT NULL DEFAULT '',
        params_json TEXT NOT NULL,
        num_parameters INTEGER NOT NULL DEFAULT 0,
        published INTEGER NOT NULL DEFAULT 0,
        saved_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_checkpoints_arch ON checkpoints(arch, published, saved_at);
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run TEXT NOT NULL,
        model_name TEXT NOT NULL,
        epoch INTEGER NOT NULL,
        train_loss REAL,
        val_loss REAL,
        val_accuracy REAL,
        lr REAL,
        logged_at INTEGER NOT NULL,
        UNIQUE(run, epoch)
    );
    `

// Catalog stores checkpoint metadata and training history in SQLite
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite catalog at path; ":memory:" is allowed
func Open(path string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite 单写者，内存库每个连接是独立的数据库
	database.SetMaxOpenConns(1)
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	logger.Debug("catalog opened", zap.String("path", path))
	return &Catalog{db: database, logger: logger}, nil
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Entry is one saved checkpoint
type Entry struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	ModelName     string    `json:"model_name"`
	Arch          string    `json:"arch,omitempty"`
	Params        ml.Params `json:"params"`
	NumParameters int       `json:"num_parameters"`
	Published     bool      `json:"published"`
	SavedAt       time.Time `json:"saved_at"`
}

// UpsertCheckpoint inserts or replaces a checkpoint row
func (c *Catalog) UpsertCheckpoint(ctx context.Context, e Entry) error {
	if e.Name == "" {
		return errors.New("checkpoint name required")
	}
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO checkpoints (
            name, path, model_name, arch, params_json, num_parameters, published, saved_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.Path, e.ModelName, e.Arch, string(params), e.NumParameters, e.Published, e.SavedAt.UTC().UnixNano())
	return err
}

const selectCheckpoint = `
        SELECT name, path, model_name, arch, params_json, num_parameters, published, saved_at
        FROM checkpoints`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var params string
	var savedAt int64
	if err := s.Scan(&e.Name, &e.Path, &e.ModelName, &e.Arch, &params, &e.NumParameters, &e.Published, &savedAt); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
		return Entry{}, fmt.Errorf("decode params of %s: %w", e.Name, err)
	}
	e.SavedAt = time.Unix(0, savedAt).UTC()
	return e, nil
}

// GetCheckpoint returns the row for name or ErrNotFound
func (c *Catalog) GetCheckpoint(ctx context.Context, name string) (Entry, error) {
	e, err := scanEntry(c.db.QueryRowContext(ctx, selectCheckpoint+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("checkpoint %q: %w", name, ErrNotFound)
	}
	return e, err
}

// ListCheckpoints returns all rows, newest first
func (c *Catalog) ListCheckpoints(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, selectCheckpoint+` ORDER BY saved_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteCheckpoint removes the row; deleting a missing row is ErrNotFound
func (c *Catalog) DeleteCheckpoint(ctx context.Context, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireRow(res, name)
}

// SetPublished marks a checkpoint as a pretrained source for its arch
func (c *Catalog) SetPublished(ctx context.Context, name string, published bool) error {
	res, err := c.db.ExecContext(ctx, `UPDATE checkpoints SET published = ? WHERE name = ?`, published, name)
	if err != nil {
		return err
	}
	return requireRow(res, name)
}

// LatestPublished returns the newest published checkpoint of arch
func (c *Catalog) LatestPublished(ctx context.Context, arch string) (Entry, error) {
	e, err := scanEntry(c.db.QueryRowContext(ctx,
		selectCheckpoint+` WHERE arch = ? AND published = 1 ORDER BY saved_at DESC LIMIT 1`, arch))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("published checkpoint for %q: %w", arch, ErrNotFound)
	}
	return e, err
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("checkpoint %q: %w", name, ErrNotFound)
	}
	return nil
}

// EpochRecord is one row of the training log. Metrics that are missing or
// not finite are nil and stored as NULL.
type EpochRecord struct {
	Run         string    `json:"run"`
	ModelName   string    `json:"model_name"`
	Epoch       int       `json:"epoch"`
	TrainLoss   *float64  `json:"train_loss"`
	ValLoss     *float64  `json:"val_loss,omitempty"`
	ValAccuracy *float64  `json:"val_accuracy,omitempty"`
	LR          *float64  `json:"lr,omitempty"`
	LoggedAt    time.Time `json:"logged_at"`
}

// LogEpoch records the metrics of one epoch
func (c *Catalog) LogEpoch(ctx context.Context, r EpochRecord) error {
	_, err := c.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO training_log (
            run, model_name, epoch, train_loss, val_loss, val_accuracy, lr, logged_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Run, r.ModelName, r.Epoch, r.TrainLoss, r.ValLoss, r.ValAccuracy, r.LR, r.LoggedAt.UTC().UnixNano())
	return err
}

// TrainingLog returns the records of run ordered by epoch
func (c *Catalog) TrainingLog(ctx context.Context, run string) ([]EpochRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
        SELECT run, model_name, epoch, train_loss, val_loss, val_accuracy, lr, logged_at
        FROM training_log
        WHERE run = ?
        ORDER BY epoch`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]EpochRecord, 0)
	for rows.Next() {
		var r EpochRecord
		var trainLoss, valLoss, valAcc, lr sql.NullFloat64
		var loggedAt int64
		if err := rows.Scan(&r.Run, &r.ModelName, &r.Epoch, &trainLoss, &valLoss, &valAcc, &lr, &loggedAt); err != nil {
			return nil, err
		}
		r.TrainLoss = nullFloat(trainLoss)
		r.ValLoss = nullFloat(valLoss)
		r.ValAccuracy = nullFloat(valAcc)
		r.LR = nullFloat(lr)
		r.LoggedAt = time.Unix(0, loggedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
