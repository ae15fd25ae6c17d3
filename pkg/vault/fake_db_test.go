package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeShardDB is an in-memory vault_shards_a keyed on the repository's SQL
// constants.
type fakeShardDB struct {
	mu      sync.Mutex
	rows    map[string]fakeShardRow
	failOn  map[string]error
	execLog []string
}

type fakeShardRow struct {
	owner, title, content, iv string
	order                     int
}

func newFakeShardDB() *fakeShardDB {
	return &fakeShardDB{rows: map[string]fakeShardRow{}, failOn: map[string]error{}}
}

func (f *fakeShardDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execLog = append(f.execLog, sql)
	if err := f.failOn[sql]; err != nil {
		return pgconn.CommandTag{}, err
	}
	switch sql {
	case sqlUpsert:
		id := args[0].(string)
		row := fakeShardRow{owner: args[1].(string), title: args[2].(string), content: args[3].(string), iv: args[4].(string), order: args[5].(int)}
		if existing, ok := f.rows[id]; ok {
			if existing.owner != row.owner {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
			row.order = existing.order
		}
		f.rows[id] = row
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case sqlDeleteByID:
		id := args[0].(string)
		if _, ok := f.rows[id]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	case sqlDeleteOwned:
		id, owner := args[0].(string), args[1].(string)
		if row, ok := f.rows[id]; !ok || row.owner != owner {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	case sqlTruncate:
		f.rows = map[string]fakeShardRow{}
		return pgconn.NewCommandTag("TRUNCATE TABLE"), nil
	case sqlReorder:
		order, id, owner := args[0].(int), args[1].(string), args[2].(string)
		row, ok := f.rows[id]
		if !ok || row.owner != owner {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		row.order = order
		f.rows[id] = row
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (f *fakeShardDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[sql]; err != nil {
		return nil, err
	}
	owner := args[0].(string)
	switch sql {
	case sqlSelectByOwner:
		var out [][]any
		for _, id := range f.sortedIDsLocked(owner) {
			r := f.rows[id]
			out = append(out, []any{id, r.title, r.content, r.iv, r.order})
		}
		return &fakeRows{rows: out}, nil
	case sqlDeleteByOwner:
		var out [][]any
		for _, id := range f.sortedIDsLocked(owner) {
			delete(f.rows, id)
			out = append(out, []any{id})
		}
		return &fakeRows{rows: out}, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (f *fakeShardDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[sql]; err != nil {
		return fakeRow{err: err}
	}
	if sql != sqlOwnerOf {
		return fakeRow{err: fmt.Errorf("unexpected query row: %s", sql)}
	}
	row, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: []any{row.owner}}
}

func (f *fakeShardDB) sortedIDsLocked(owner string) []string {
	var ids []string
	for id, r := range f.rows {
		if r.owner == owner {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := f.rows[ids[i]], f.rows[ids[j]]
		if a.order != b.order {
			return a.order < b.order
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (f *fakeShardDB) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok
}

func (f *fakeShardDB) orderOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].order
}

func (f *fakeShardDB) setContent(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rows[id]
	r.content = content
	f.rows[id] = r
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return r.rows[r.idx-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	return assign(dest, r.rows[r.idx-1])
}

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			v, ok := values[i].(string)
			if !ok {
				return errors.New("value is not string")
			}
			*d = v
		case *int:
			v, ok := values[i].(int)
			if !ok {
				return errors.New("value is not int")
			}
			*d = v
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}
