package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"campaignd/internal/session"
	logx "campaignd/pkg/logx"
)

// sqlStore implements Store on database/sql. Queries are written with ?
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool // $1, $2, ... (postgres)
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	return rebind(query)
}

// rebind turns ? placeholders into $n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	// Statement by statement: lib/pq and modernc both accept multi-statement
	// Exec, but per-statement errors are easier to read.
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Accounts(ctx context.Context, owner string) ([]session.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT key, token, active FROM accounts WHERE owner = ? ORDER BY key`), owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Account
	for rows.Next() {
		var (
			a      session.Account
			active int
		)
		if err := rows.Scan(&a.Key, &a.Credentials.Token, &active); err != nil {
			return nil, err
		}
		a.Active = active != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) Targets(ctx context.Context, owner string) ([]session.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT platform_id, title FROM targets WHERE owner = ? ORDER BY platform_id`), owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Target
	for rows.Next() {
		var t session.Target
		if err := rows.Scan(&t.PlatformID, &t.Title); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutAccount(ctx context.Context, owner string, a session.Account) error {
	active := 0
	if a.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO accounts(owner, key, token, active) VALUES(?,?,?,?)
		 ON CONFLICT(owner, key) DO UPDATE SET token = excluded.token, active = excluded.active`),
		owner, a.Key, a.Credentials.Token, active,
	)
	return err
}

func (s *sqlStore) PutTarget(ctx context.Context, owner string, t session.Target) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO targets(owner, platform_id, title) VALUES(?,?,?)
		 ON CONFLICT(owner, platform_id) DO UPDATE SET title = excluded.title`),
		owner, t.PlatformID, t.Title,
	)
	return err
}

func (s *sqlStore) OwnerPlan(ctx context.Context, owner string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT plan FROM plans WHERE owner = ?`), owner).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return plan, err
}

func (s *sqlStore) SetPlan(ctx context.Context, owner, plan string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO plans(owner, plan) VALUES(?,?)
		 ON CONFLICT(owner) DO UPDATE SET plan = excluded.plan`),
		owner, plan,
	)
	return err
}

func (s *sqlStore) IncrementUsage(ctx context.Context, owner, action, day string, amount int) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO usage(owner, action, day, count) VALUES(?,?,?,?)
		 ON CONFLICT(owner, action, day) DO UPDATE SET count = usage.count + excluded.count`),
		owner, action, day, amount,
	)
	return err
}

func (s *sqlStore) Usage(ctx context.Context, owner, action, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT count FROM usage WHERE owner = ? AND action = ? AND day = ?`),
		owner, action, day,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *sqlStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO campaign_logs(at, owner, campaign, kind, status, accounts, targets, sent, errors, blocked, message)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		e.At.UTC().Format(time.RFC3339Nano), e.Owner, e.Campaign, e.Kind, e.Status,
		e.Accounts, e.Targets, e.Sent, e.Errors, e.Blocked, nullStr(e.Message),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
