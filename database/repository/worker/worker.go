// Package worker stores registered compute nodes. Rows persist across
// sessions; the live connection state lives in the engine registry.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid"

	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/protocol"
)

// Worker statuses
const (
	StatusIdle    = "idle"
	StatusBusy    = "busy"
	StatusOffline = "offline"
	StatusPaused  = "paused"
)

// ErrNotFound is returned when no worker matches the query
var ErrNotFound = errors.New("worker not found")

// Worker is one registered compute node
type Worker struct {
	ID            string
	Name          string
	OwnerID       string
	Status        string
	Specs         protocol.WorkerSpecs
	LastHeartbeat time.Time
	JobsCompleted int64
	CreditsEarned int64
	CreatedAt     time.Time
}

// Service exposes worker operations over a connected database
type Service struct {
	db *database.Instance
}

// Setup returns a usable Service
func Setup(db *database.Instance) (*Service, error) {
	if db == nil || !db.IsConnected() {
		return nil, database.ErrNoDatabaseProvided
	}
	return &Service{db: db}, nil
}

// Register re-adopts a worker identity on an (owner, name) match so a node
// keeps its id and lifetime counters across reconnects; otherwise it
// allocates a fresh row. The reported specs always overwrite the stored ones.
func (s *Service) Register(ctx context.Context, ownerID, name string, specs protocol.WorkerSpecs) (string, error) {
	var workerID string
	now := time.Now().UTC()
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM workers WHERE IFNULL(owner_id, '') = ? AND name = ?`,
			ownerID, name).Scan(&workerID)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE workers SET status = ?, cpu_cores = ?, ram_gb = ?, gpu_name = ?,
				 docker_available = ?, os_family = ?, last_heartbeat = ? WHERE id = ?`,
				StatusIdle, specs.CPUCores, specs.RAMGB, nullable(specs.GPUName),
				specs.DockerAvailable, nullable(specs.OSFamily), now, workerID)
			return err
		case errors.Is(err, sql.ErrNoRows):
			id, err := uuid.NewV4()
			if err != nil {
				return err
			}
			workerID = id.String()
			_, err = tx.ExecContext(ctx,
				`INSERT INTO workers (id, name, owner_id, status, cpu_cores, ram_gb, gpu_name,
				 docker_available, os_family, last_heartbeat, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				workerID, name, nullable(ownerID), StatusIdle, specs.CPUCores, specs.RAMGB,
				nullable(specs.GPUName), specs.DockerAvailable, nullable(specs.OSFamily), now, now)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return "", err
	}
	return workerID, nil
}

// SetStatus updates the stored status, refreshing the heartbeat stamp
func (s *Service) SetStatus(ctx context.Context, id, status string) error {
	return s.touch(ctx, id, status, time.Now().UTC())
}

// Touch refreshes the heartbeat stamp with an explicit time, keeping the
// current status
func (s *Service) Touch(ctx context.Context, id string, at time.Time) error {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return err
	}
	res, err := sqlDB.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

func (s *Service) touch(ctx context.Context, id, status string, at time.Time) error {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return err
	}
	res, err := sqlDB.ExecContext(ctx,
		`UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?`, status, at.UTC(), id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// ByID returns the worker with the given id
func (s *Service) ByID(ctx context.Context, id string) (*Worker, error) {
	rows, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// All returns every registered worker
func (s *Service) All(ctx context.Context) ([]Worker, error) {
	return s.query(ctx, `ORDER BY last_heartbeat DESC`)
}

// ByOwner returns workers owned by a user
func (s *Service) ByOwner(ctx context.Context, ownerID string) ([]Worker, error) {
	return s.query(ctx, `WHERE owner_id = ? ORDER BY last_heartbeat DESC`, ownerID)
}

func (s *Service) query(ctx context.Context, clause string, args ...interface{}) ([]Worker, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx,
		`SELECT id, name, IFNULL(owner_id, ''), status, cpu_cores, ram_gb, IFNULL(gpu_name, ''),
		 docker_available, IFNULL(os_family, ''), last_heartbeat, jobs_completed, credits_earned,
		 created_at FROM workers `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var w Worker
		var hb sql.NullTime
		if err := rows.Scan(&w.ID, &w.Name, &w.OwnerID, &w.Status, &w.Specs.CPUCores,
			&w.Specs.RAMGB, &w.Specs.GPUName, &w.Specs.DockerAvailable, &w.Specs.OSFamily,
			&hb, &w.JobsCompleted, &w.CreditsEarned, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.LastHeartbeat = hb.Time
		out = append(out, w)
	}
	return out, rows.Err()
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
