// Package activity records an append-only feed of notable system events for
// the dashboard boundary.
package activity

import (
	"context"
	"database/sql"
	"time"

	"github.com/campusgrid/campusgrid/database"
	"github.com/campusgrid/campusgrid/log"
)

// Event types written by the coordinator
const (
	EventUserRegistered   = "user_registered"
	EventWorkerRegistered = "worker_registered"
	EventJobCreated       = "job_created"
	EventJobStarted       = "job_started"
	EventJobSettled       = "job_settled"
	EventJobCancelled     = "job_cancelled"
)

// Entry is one activity row
type Entry struct {
	ID        int64
	EventType string
	ActorID   string
	Details   string
	CreatedAt time.Time
}

// Service exposes the activity feed over a connected database
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

// Record appends an event. Failures are logged and swallowed; the feed is
// advisory and must never fail the operation that produced the event.
func (s *Service) Record(ctx context.Context, eventType, actorID, details string) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		log.Warnf(log.DatabaseMgr, "Activity %s dropped: %v", eventType, err)
		return
	}
	var actor sql.NullString
	if actorID != "" {
		actor = sql.NullString{String: actorID, Valid: true}
	}
	if _, err := sqlDB.ExecContext(ctx,
		`INSERT INTO activity_logs (event_type, actor_id, details, created_at) VALUES (?, ?, ?, ?)`,
		eventType, actor, details, time.Now().UTC()); err != nil {
		log.Warnf(log.DatabaseMgr, "Activity %s dropped: %v", eventType, err)
	}
}

// Recent returns the latest events, newest first
func (s *Service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	sqlDB, err := s.db.GetSQL()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := sqlDB.QueryContext(ctx,
		`SELECT id, event_type, IFNULL(actor_id, ''), IFNULL(details, ''), created_at
		 FROM activity_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
