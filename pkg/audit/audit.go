// Package audit records security-relevant events. Writes are fire-and-forget:
// a failing sink never fails the request that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"zerokeep/pkg/stream"
)

const (
	ActionLoginAttempt   = "LOGIN_ATTEMPT"
	ActionLoginSuccess   = "LOGIN_SUCCESS"
	ActionLoginFailed    = "LOGIN_FAILED"
	ActionLogout         = "LOGOUT"
	ActionWipeInitiated  = "WIPE_INITIATED"
	ActionWipeCompleted  = "WIPE_COMPLETED"
	ActionViewCrashLogs  = "VIEW_CRASH_LOGS"
	ActionBanTripped     = "IP_BANNED"
	ActionIntegrityFault = "INTEGRITY_FAULT"
	ActionSessionRevoked = "SESSION_REVOKED"

	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusWarning = "WARNING"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Event struct {
	Action   string         `json:"action"`
	Status   string         `json:"status"`
	ActorIP  string         `json:"actor_ip"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher forwards events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Writer struct {
	DB        auditDB
	HashSalt  []byte
	Redact    bool
	Hub       *stream.Hub
	Publisher Publisher
	Logger    *slog.Logger
	Timeout   time.Duration
	Now       func() time.Time

	wg sync.WaitGroup
}

// Log records e in the background. The caller's cancellation does not abort
// the write.
func (w *Writer) Log(ctx context.Context, e Event) {
	if w == nil {
		return
	}
	if e.At.IsZero() {
		e.At = w.now()
	}
	if w.Redact {
		e = redactEvent(e, w.HashSalt)
	}
	bg := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		ctx, cancel := context.WithTimeout(bg, timeout)
		defer cancel()
		if err := w.Append(ctx, e); err != nil {
			w.logger().Error("audit write failed",
				"action", e.Action, "status", e.Status, "actor_ip", e.ActorIP, "err", err)
		}
		if w.Hub != nil {
			w.Hub.Publish(stream.NewEvent(streamKind(e.Action), e))
		}
		if w.Publisher != nil {
			if err := w.Publisher.Publish(ctx, e); err != nil {
				w.logger().Warn("audit publish failed", "action", e.Action, "err", err)
			}
		}
	}()
}

// Append inserts e synchronously.
func (w *Writer) Append(ctx context.Context, e Event) error {
	if w.DB == nil {
		w.logger().Info("audit", "action", e.Action, "status", e.Status, "actor_ip", e.ActorIP, "metadata", e.Metadata)
		return nil
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_logs (action, status, actor_ip, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.Action, e.Status, e.ActorIP, meta, e.At)
	return err
}

// Recent lists the newest events first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT action, status, actor_ip, metadata, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		var meta []byte
		if err := rows.Scan(&e.Action, &e.Status, &e.ActorIP, &meta, &e.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close waits for in-flight writes.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func streamKind(action string) stream.Kind {
	switch action {
	case ActionIntegrityFault:
		return stream.KindFault
	case ActionBanTripped:
		return stream.KindBan
	}
	return stream.KindAudit
}
