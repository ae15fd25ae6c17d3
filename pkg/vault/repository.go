// Package vault stores each secret as two independently encrypted halves:
// shard A in Postgres next to the record metadata and shard B in the KV
// store. Neither store alone can reconstruct a secret.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"zerokeep/pkg/shard"
	"zerokeep/pkg/store"
)

const (
	MaxReorderBatch = 500
	MinOwnerHashLen = 32
	ShardBPrefix    = "shard_b:"

	reorderParallelism = 16
	healTimeout        = 5 * time.Second
)

var (
	ErrOwnerConflict = errors.New("vault: id belongs to another owner")
	ErrNotFound      = errors.New("vault: record not found")
	ErrBatchTooLarge = fmt.Errorf("vault: reorder batch exceeds %d items", MaxReorderBatch)
	ErrEmptyBatch    = errors.New("vault: reorder batch is empty")
	ErrInvalidOrder  = errors.New("vault: order index must be non-negative")
	ErrInvalidRecord = errors.New("vault: invalid record")
)

const (
	sqlOwnerOf = `SELECT owner_hash FROM vault_shards_a WHERE id = $1`

	sqlUpsert = `
		INSERT INTO vault_shards_a (id, owner_hash, title_hash, content_a, iv, order_index)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET title_hash = EXCLUDED.title_hash, content_a = EXCLUDED.content_a, iv = EXCLUDED.iv
		WHERE vault_shards_a.owner_hash = EXCLUDED.owner_hash`

	sqlSelectByOwner = `
		SELECT id::text, title_hash, content_a, iv, order_index
		FROM vault_shards_a WHERE owner_hash = $1
		ORDER BY order_index, id`

	sqlDeleteByID    = `DELETE FROM vault_shards_a WHERE id = $1`
	sqlDeleteOwned   = `DELETE FROM vault_shards_a WHERE id = $1 AND owner_hash = $2`
	sqlDeleteByOwner = `DELETE FROM vault_shards_a WHERE owner_hash = $1 RETURNING id::text`
	sqlTruncate      = `TRUNCATE TABLE vault_shards_a`
	sqlReorder       = `UPDATE vault_shards_a SET order_index = $1 WHERE id = $2 AND owner_hash = $3`
)

// DB is the slice of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is the caller-facing shape. EncryptedBlob is the client ciphertext
// before the server splits it.
type Record struct {
	ID            string `json:"id"`
	OwnerHash     string `json:"owner_hash"`
	TitleHash     string `json:"title_hash"`
	EncryptedBlob string `json:"encrypted_blob"`
	IV            string `json:"iv"`
	OrderIndex    int    `json:"order_index"`
}

type OrderItem struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

type FaultKind string

const (
	FaultZombie  FaultKind = "zombie"
	FaultCorrupt FaultKind = "corrupt"
)

// Fault describes an integrity problem found on the read path.
type Fault struct {
	Kind      FaultKind
	ID        string
	OwnerHash string
	Err       error
}

type Repository struct {
	DB      DB
	KV      store.KV
	CipherA *shard.Cipher
	CipherB *shard.Cipher
	Logger  *slog.Logger
	OnFault func(Fault)

	heals sync.WaitGroup
}

func New(db DB, kv store.KV, a, b *shard.Cipher, logger *slog.Logger) *Repository {
	return &Repository{DB: db, KV: kv, CipherA: a, CipherB: b, Logger: logger}
}

var tracer = otel.Tracer("zerokeep/vault")

func shardKey(id string) string { return ShardBPrefix + id }

// Validate checks the shape of rec before anything is written.
func Validate(rec Record) error {
	var problems []string
	if _, err := uuid.Parse(rec.ID); err != nil {
		problems = append(problems, "id must be a uuid")
	}
	if len(rec.OwnerHash) < MinOwnerHashLen {
		problems = append(problems, fmt.Sprintf("owner_hash must be at least %d characters", MinOwnerHashLen))
	}
	if rec.EncryptedBlob == "" {
		problems = append(problems, "encrypted_blob is required")
	}
	if rec.IV == "" {
		problems = append(problems, "iv is required")
	}
	if rec.OrderIndex < 0 {
		problems = append(problems, "order_index must be non-negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(problems, "; "))
	}
	return nil
}

// Save splits rec.EncryptedBlob, seals each half under its own pepper and
// writes both stores concurrently. A failure in either write is returned;
// the other write is not rolled back; FetchByOwner repairs orphaned rows.
func (r *Repository) Save(ctx context.Context, rec Record) (err error) {
	ctx, span := tracer.Start(ctx, "vault.Save", trace.WithAttributes(attribute.String("vault.id", rec.ID)))
	defer func() { endSpan(span, err) }()

	if err := Validate(rec); err != nil {
		return err
	}
	var existing string
	fresh := false
	switch err := r.DB.QueryRow(ctx, sqlOwnerOf, rec.ID).Scan(&existing); {
	case errors.Is(err, pgx.ErrNoRows):
		fresh = true
	case err != nil:
		return fmt.Errorf("ownership check: %w", err)
	case existing != rec.OwnerHash:
		return ErrOwnerConflict
	}

	halfA, halfB := shard.Split([]byte(rec.EncryptedBlob))
	contentA, err := r.CipherA.Encrypt(halfA)
	if err != nil {
		return fmt.Errorf("encrypt shard a: %w", err)
	}
	contentB, err := r.CipherB.Encrypt(halfB)
	if err != nil {
		return fmt.Errorf("encrypt shard b: %w", err)
	}

	// A new id only claims shard B when the key is free, so a save that lost
	// the row to another owner cannot replace that owner's shard B.
	claimed := true
	var g errgroup.Group
	g.Go(func() error {
		tag, err := r.DB.Exec(ctx, sqlUpsert, rec.ID, rec.OwnerHash, rec.TitleHash, contentA, rec.IV, rec.OrderIndex)
		if err != nil {
			return fmt.Errorf("write shard a: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOwnerConflict
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if fresh {
			claimed, err = r.KV.SetNX(ctx, shardKey(rec.ID), contentB, 0)
		} else {
			err = r.KV.Set(ctx, shardKey(rec.ID), contentB, 0)
		}
		if err != nil {
			return fmt.Errorf("write shard b: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !claimed {
		// The row is ours; the key held an orphan or a losing racer's shard.
		if err := r.KV.Set(ctx, shardKey(rec.ID), contentB, 0); err != nil {
			return fmt.Errorf("write shard b: %w", err)
		}
	}
	return nil
}

type rowA struct {
	id, title, content, iv string
	order                  int
}

// FetchByOwner reassembles every intact record owned by ownerHash. Rows
// whose shard B is gone are removed in the background and left out; rows
// that fail to decrypt are left out and reported.
func (r *Repository) FetchByOwner(ctx context.Context, ownerHash string) (out []Record, err error) {
	ctx, span := tracer.Start(ctx, "vault.FetchByOwner")
	defer func() { endSpan(span, err) }()

	rows, err := r.DB.Query(ctx, sqlSelectByOwner, ownerHash)
	if err != nil {
		return nil, fmt.Errorf("query shard a: %w", err)
	}
	var loaded []rowA
	for rows.Next() {
		var row rowA
		if err := rows.Scan(&row.id, &row.title, &row.content, &row.iv, &row.order); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan shard a: %w", err)
		}
		loaded = append(loaded, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shard a: %w", err)
	}
	out = make([]Record, 0, len(loaded))
	if len(loaded) == 0 {
		return out, nil
	}

	keys := make([]string, len(loaded))
	for i, row := range loaded {
		keys[i] = shardKey(row.id)
	}
	payloads, err := r.KV.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("read shard b: %w", err)
	}

	zombies := 0
	for i, row := range loaded {
		if i >= len(payloads) || payloads[i] == "" {
			zombies++
			r.fault(Fault{Kind: FaultZombie, ID: row.id, OwnerHash: ownerHash})
			r.heal(row.id)
			continue
		}
		a, errA := r.CipherA.Decrypt(row.content)
		b, errB := r.CipherB.Decrypt(payloads[i])
		if errA != nil || errB != nil {
			r.fault(Fault{Kind: FaultCorrupt, ID: row.id, OwnerHash: ownerHash, Err: errors.Join(errA, errB)})
			continue
		}
		out = append(out, Record{
			ID:            row.id,
			OwnerHash:     ownerHash,
			TitleHash:     row.title,
			EncryptedBlob: string(shard.Merge(a, b)),
			IV:            row.iv,
			OrderIndex:    row.order,
		})
	}
	span.SetAttributes(attribute.Int("vault.records", len(out)), attribute.Int("vault.zombies", zombies))
	return out, nil
}

// heal removes an orphaned shard A row off the request path.
func (r *Repository) heal(id string) {
	r.heals.Add(1)
	go func() {
		defer r.heals.Done()
		ctx, cancel := context.WithTimeout(context.Background(), healTimeout)
		defer cancel()
		if err := r.Delete(ctx, id); err != nil {
			r.logger().Error("zombie cleanup failed", "id", id, "critical", true, "err", err)
			return
		}
		r.logger().Warn("zombie record removed", "id", id)
	}()
}

func (r *Repository) fault(f Fault) {
	switch f.Kind {
	case FaultZombie:
		r.logger().Error("integrity fault: shard b missing", "id", f.ID, "critical", true)
	default:
		r.logger().Error("integrity fault: shard undecryptable", "id", f.ID, "critical", true, "err", f.Err)
	}
	if r.OnFault != nil {
		r.OnFault(f)
	}
}

// Wait blocks until background self-heals have finished.
func (r *Repository) Wait() {
	r.heals.Wait()
}

// Delete removes both halves of id regardless of owner.
func (r *Repository) Delete(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "vault.Delete", trace.WithAttributes(attribute.String("vault.id", id)))
	defer func() { endSpan(span, err) }()

	var g errgroup.Group
	g.Go(func() error {
		if _, err := r.DB.Exec(ctx, sqlDeleteByID, id); err != nil {
			return fmt.Errorf("delete shard a: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := r.KV.Del(ctx, shardKey(id)); err != nil {
			return fmt.Errorf("delete shard b: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// DeleteOwned removes id only when it belongs to ownerHash. Shard B is left
// alone when the row does not match so one owner cannot erase another's
// payload.
func (r *Repository) DeleteOwned(ctx context.Context, id, ownerHash string) (err error) {
	ctx, span := tracer.Start(ctx, "vault.DeleteOwned", trace.WithAttributes(attribute.String("vault.id", id)))
	defer func() { endSpan(span, err) }()

	tag, err := r.DB.Exec(ctx, sqlDeleteOwned, id, ownerHash)
	if err != nil {
		return fmt.Errorf("delete shard a: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := r.KV.Del(ctx, shardKey(id)); err != nil {
		return fmt.Errorf("delete shard b: %w", err)
	}
	return nil
}

// WipeByOwner removes every record of one owner and returns how many rows
// were deleted.
func (r *Repository) WipeByOwner(ctx context.Context, ownerHash string) (n int, err error) {
	ctx, span := tracer.Start(ctx, "vault.WipeByOwner")
	defer func() { endSpan(span, err) }()

	rows, err := r.DB.Query(ctx, sqlDeleteByOwner, ownerHash)
	if err != nil {
		return 0, fmt.Errorf("delete shard a: %w", err)
	}
	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan deleted id: %w", err)
		}
		keys = append(keys, shardKey(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("delete shard a: %w", err)
	}
	if err := r.delKeys(ctx, keys); err != nil {
		return len(keys), err
	}
	return len(keys), nil
}

// WipeAll empties both stores. Gate state (ledger, replay claims) in the KV
// store is kept.
func (r *Repository) WipeAll(ctx context.Context) (n int, err error) {
	ctx, span := tracer.Start(ctx, "vault.WipeAll")
	defer func() { endSpan(span, err) }()

	if _, err := r.DB.Exec(ctx, sqlTruncate); err != nil {
		return 0, fmt.Errorf("truncate shard a: %w", err)
	}
	keys, err := r.KV.Scan(ctx, ShardBPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan shard b: %w", err)
	}
	if err := r.delKeys(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *Repository) delKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += MaxReorderBatch {
		end := start + MaxReorderBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.KV.Del(ctx, keys[start:end]...); err != nil {
			return fmt.Errorf("delete shard b: %w", err)
		}
	}
	return nil
}

// Reorder sets order_index for each item. Every update is scoped by
// ownerHash, so ids owned by someone else are silently left untouched.
// Items are applied independently; the first error is returned after all
// items have been attempted.
func (r *Repository) Reorder(ctx context.Context, ownerHash string, items []OrderItem) (moved int, err error) {
	ctx, span := tracer.Start(ctx, "vault.Reorder", trace.WithAttributes(attribute.Int("vault.items", len(items))))
	defer func() { endSpan(span, err) }()

	if len(items) == 0 {
		return 0, ErrEmptyBatch
	}
	if len(items) > MaxReorderBatch {
		return 0, ErrBatchTooLarge
	}
	for _, it := range items {
		if it.Order < 0 {
			return 0, ErrInvalidOrder
		}
		if _, err := uuid.Parse(it.ID); err != nil {
			return 0, fmt.Errorf("%w: id %q is not a uuid", ErrInvalidRecord, it.ID)
		}
	}
	var count atomic.Int64
	var g errgroup.Group
	g.SetLimit(reorderParallelism)
	for _, it := range items {
		g.Go(func() error {
			tag, err := r.DB.Exec(ctx, sqlReorder, it.Order, it.ID, ownerHash)
			if err != nil {
				return fmt.Errorf("reorder %s: %w", it.ID, err)
			}
			count.Add(tag.RowsAffected())
			return nil
		})
	}
	err = g.Wait()
	return int(count.Load()), err
}

func (r *Repository) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
