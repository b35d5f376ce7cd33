package storage

import (
	"context"
	"errors"
	"time"

	"campaignd/internal/session"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LogEntry records a campaign lifecycle step.
// Keep it compact and schema-stable.
type LogEntry struct {
	At       time.Time `json:"at"`
	Owner    string    `json:"owner"`
	Campaign string    `json:"campaign"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	Accounts int       `json:"accounts"`
	Targets  int       `json:"targets"`
	Sent     int       `json:"sent"`
	Errors   int       `json:"errors"`
	Blocked  int       `json:"blocked"`
	Message  string    `json:"message,omitempty"`
}

// Store is the persistence API used by the orchestrator, quota and CLI.
type Store interface {
	Accounts(ctx context.Context, owner string) ([]session.Account, error)
	Targets(ctx context.Context, owner string) ([]session.Target, error)
	PutAccount(ctx context.Context, owner string, a session.Account) error
	PutTarget(ctx context.Context, owner string, t session.Target) error

	// OwnerPlan returns "" when the owner has no plan on record.
	OwnerPlan(ctx context.Context, owner string) (string, error)
	SetPlan(ctx context.Context, owner, plan string) error

	// day is a UTC date formatted as 2006-01-02.
	IncrementUsage(ctx context.Context, owner, action, day string, amount int) error
	Usage(ctx context.Context, owner, action, day string) (int, error)

	AppendLog(ctx context.Context, e LogEntry) error
	Close() error
}

// Day formats t as a usage bucket key.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }
