package gatekeeper

import (
	"context"
	"fmt"
	"time"

	"zerokeep/pkg/store"
)

const (
	FailureWindow    = 10 * time.Minute
	BanDuration      = time.Hour
	BanThreshold     = 10
	failureKeyPrefix = "failures:"
	banKeyPrefix     = "ban:"
)

// FailureLedger counts authentication failures per client IP in the shared
// KV store so every gateway instance sees the same totals.
type FailureLedger struct {
	KV        store.KV
	Window    time.Duration
	Ban       time.Duration
	Threshold int64
}

func NewFailureLedger(kv store.KV) *FailureLedger {
	return &FailureLedger{KV: kv, Window: FailureWindow, Ban: BanDuration, Threshold: BanThreshold}
}

// Record adds one failure for ip. tripped is true only for the failure that
// first reaches the threshold in the current window.
func (l *FailureLedger) Record(ctx context.Context, ip string) (count int64, tripped bool, err error) {
	count, err = l.KV.Incr(ctx, failureKeyPrefix+ip, l.window())
	if err != nil {
		return 0, false, fmt.Errorf("record failure: %w", err)
	}
	if count >= l.threshold() {
		if err := l.KV.Set(ctx, banKeyPrefix+ip, "1", l.ban()); err != nil {
			return count, false, fmt.Errorf("set ban: %w", err)
		}
		return count, count == l.threshold(), nil
	}
	return count, false, nil
}

func (l *FailureLedger) Banned(ctx context.Context, ip string) (bool, error) {
	return l.KV.Exists(ctx, banKeyPrefix+ip)
}

func (l *FailureLedger) window() time.Duration {
	if l.Window <= 0 {
		return FailureWindow
	}
	return l.Window
}

func (l *FailureLedger) ban() time.Duration {
	if l.Ban <= 0 {
		return BanDuration
	}
	return l.Ban
}

func (l *FailureLedger) threshold() int64 {
	if l.Threshold <= 0 {
		return BanThreshold
	}
	return l.Threshold
}
