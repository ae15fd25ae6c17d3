package gatekeeper

import (
	"context"
	"time"

	"zerokeep/pkg/store"
)

// ReplayWindow must exceed the timestamp tolerance plus clock skew.
const ReplayWindow = 90 * time.Second

// ReplayGuard remembers consumed signatures. SETNX is the serialization
// point, so two concurrent requests with one signature admit at most one.
type ReplayGuard struct {
	KV     store.KV
	Window time.Duration
}

func NewReplayGuard(kv store.KV) *ReplayGuard {
	return &ReplayGuard{KV: kv, Window: ReplayWindow}
}

// Claim returns true when sig had not been seen inside the window.
func (g *ReplayGuard) Claim(ctx context.Context, sig string) (bool, error) {
	window := g.Window
	if window <= 0 {
		window = ReplayWindow
	}
	return g.KV.SetNX(ctx, "replay:"+sig, "1", window)
}
