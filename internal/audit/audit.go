// Package audit provides an append-only audit trail for money-moving operations.
package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext extracts actor info previously attached with the With* helpers.
// Defaults to actor type "system" when no actor was attached.
func ActorFromContext(ctx context.Context) (actorType, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry represents a single audit log record. Subject is the primary entity
// the operation touched (an order ID, or a wallet owner for wallet ops).
type Entry struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	ActorType   string    `json:"actorType"`
	ActorID     string    `json:"actorId,omitempty"`
	Operation   string    `json:"operation"`
	Amount      string    `json:"amount,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	BeforeState string    `json:"beforeState,omitempty"`
	AfterState  string    `json:"afterState,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Logger persists audit entries.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, subject string, from, to time.Time, operation string, limit int) ([]*Entry, error)
}

// Record fills actor fields from ctx and writes the entry. Errors are
// returned to the caller so money-moving paths can decide whether to
// fail or merely log; most call sites log and continue.
func Record(ctx context.Context, l Logger, entry *Entry) error {
	if l == nil {
		return nil
	}
	actorType, actorID, ip, requestID := ActorFromContext(ctx)
	if entry.ActorType == "" {
		entry.ActorType = actorType
	}
	if entry.ActorID == "" {
		entry.ActorID = actorID
	}
	if entry.IPAddress == "" {
		entry.IPAddress = ip
	}
	if entry.RequestID == "" {
		entry.RequestID = requestID
	}
	return l.Log(ctx, entry)
}

// --- PostgresLogger ---

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

var _ Logger = (*PostgresLogger)(nil)

func (l *PostgresLogger) Log(ctx context.Context, entry *Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject, actor_type, actor_id, operation, amount, reference, before_state, after_state, request_id, ip_address, description, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::NUMERIC(20,2), $6, $7::JSONB, $8::JSONB, $9, $10, $11, NOW())
	`, entry.Subject, entry.ActorType, entry.ActorID, entry.Operation, entry.Amount, entry.Reference,
		nullIfEmptyJSON(entry.BeforeState), nullIfEmptyJSON(entry.AfterState),
		entry.RequestID, entry.IPAddress, entry.Description)
	return err
}

func nullIfEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func (l *PostgresLogger) Query(ctx context.Context, subject string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var query string
	var args []interface{}

	if operation != "" {
		query = `SELECT id, subject, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(amount::TEXT, ''), COALESCE(reference, ''),
			COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
			FROM audit_log WHERE subject = $1 AND created_at >= $2 AND created_at <= $3 AND operation = $4
			ORDER BY created_at DESC LIMIT $5`
		args = []interface{}{subject, from, to, operation, limit}
	} else {
		query = `SELECT id, subject, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(amount::TEXT, ''), COALESCE(reference, ''),
			COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
			COALESCE(request_id, ''), COALESCE(ip_address, ''), COALESCE(description, ''), created_at
			FROM audit_log WHERE subject = $1 AND created_at >= $2 AND created_at <= $3
			ORDER BY created_at DESC LIMIT $4`
		args = []interface{}{subject, from, to, limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRows(rows)
}

// --- MemoryLogger ---

// MemoryLogger stores audit entries in memory for demo/testing.
type MemoryLogger struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

var _ Logger = (*MemoryLogger)(nil)

func (l *MemoryLogger) Log(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, subject string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Iterate in reverse for descending order
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if e.Subject != subject {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLogger) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

func scanRows(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Subject, &e.ActorType, &e.ActorID, &e.Operation,
			&e.Amount, &e.Reference, &e.BeforeState, &e.AfterState,
			&e.RequestID, &e.IPAddress, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
