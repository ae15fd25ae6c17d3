package audit

import (
	"context"
	"time"
)

// Crash is a client crash report as submitted by the mobile app.
type Crash struct {
	Timestamp  string    `json:"timestamp"`
	Device     string    `json:"device"`
	Thread     string    `json:"thread"`
	Exception  string    `json:"exception"`
	Stacktrace string    `json:"stacktrace"`
	ReceivedAt time.Time `json:"received_at"`
}

type CrashStore struct {
	DB auditDB
}

func (s *CrashStore) Append(ctx context.Context, c Crash) error {
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO crash_logs (occurred_at, device, thread, exception, stacktrace, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.Timestamp, c.Device, c.Thread, c.Exception, c.Stacktrace, c.ReceivedAt)
	return err
}

func (s *CrashStore) Recent(ctx context.Context, limit int) ([]Crash, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT occurred_at, device, thread, exception, stacktrace, received_at
		FROM crash_logs ORDER BY received_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Crash{}
	for rows.Next() {
		var c Crash
		if err := rows.Scan(&c.Timestamp, &c.Device, &c.Thread, &c.Exception, &c.Stacktrace, &c.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
