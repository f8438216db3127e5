package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unipass/backend/internal/domain"
)

// Op names a store operation for fault injection and call accounting.
type Op string

const (
	OpQuery  Op = "query"
	OpCreate Op = "create"
	OpSave   Op = "save"
	OpDelete Op = "delete"
)

type recordKey struct {
	typ string
	id  string
}

type memoryEntry struct {
	rec       Record
	visibleAt time.Time
}

// Memory is an in-process Store. It can simulate the propagation delay of an
// eventually-consistent backend: a created record is invisible to Query until
// VisibilityDelay has elapsed on the configured clock, while Save and Delete
// address it by id immediately.
type Memory struct {
	mu         sync.Mutex
	clock      clock.Clock
	delay      time.Duration
	records    map[recordKey]*memoryEntry
	faults     map[Op][]error
	calls      map[Op]int
	beforeSave func(Record)
}

// MemoryOption customizes a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for visibility checks.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithVisibilityDelay hides newly created records from queries for d.
func WithVisibilityDelay(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.delay = d
	}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:   clock.New(),
		records: make(map[recordKey]*memoryEntry),
		faults:  make(map[Op][]error),
		calls:   make(map[Op]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next n calls of op return err.
func (m *Memory) FailNext(op Op, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.faults[op] = append(m.faults[op], err)
	}
}

// BeforeSave registers fn to run at the start of every Save, before the
// version check. Tests use it to interleave a competing write.
func (m *Memory) BeforeSave(fn func(Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeSave = fn
}

// Calls reports how many times op was invoked, including injected failures.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Get returns a record by id regardless of visibility.
func (m *Memory) Get(recordType, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[recordKey{recordType, id}]
	if !ok {
		return Record{}, false
	}
	return entry.rec.Clone(), true
}

// All returns every record of a type ordered by id, regardless of visibility.
func (m *Memory) All(recordType string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for key, entry := range m.records {
		if key.typ == recordType {
			out = append(out, entry.rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put stores rec as already visible, bypassing conflict checks. It is meant
// for seeding fixtures.
func (m *Memory) Put(rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec = rec.Clone()
	m.records[recordKey{rec.Type, rec.ID}] = &memoryEntry{rec: rec}
	return rec.Clone()
}

func (m *Memory) begin(op Op) error {
	m.calls[op]++
	if queue := m.faults[op]; len(queue) > 0 {
		err := queue[0]
		m.faults[op] = queue[1:]
		return err
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpQuery); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	var out []Record
	for key, entry := range m.records {
		if key.typ != q.Type || now.Before(entry.visibleAt) {
			continue
		}
		if !matches(entry.rec, q.Filter) {
			continue
		}
		rec := entry.rec
		rec.Fields = project(rec.Fields, q.Fields)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !ValidIdentifier(rec.Type) || rec.ID == "" {
		return Record{}, fmt.Errorf("create %s/%s: invalid record key", rec.Type, rec.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreate); err != nil {
		return Record{}, err
	}

	key := recordKey{rec.Type, rec.ID}
	if _, exists := m.records[key]; exists {
		return Record{}, fmt.Errorf("create %s/%s: %w", rec.Type, rec.ID, domain.ErrConflict)
	}
	rec = rec.Clone()
	rec.Version = 1
	m.records[key] = &memoryEntry{rec: rec, visibleAt: m.clock.Now().Add(m.delay)}
	return rec.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	hook := m.beforeSave
	m.mu.Unlock()
	if hook != nil {
		hook(rec.Clone())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpSave); err != nil {
		return Record{}, err
	}

	entry, ok := m.records[recordKey{rec.Type, rec.ID}]
	if !ok {
		return Record{}, fmt.Errorf("save %s/%s: %w", rec.Type, rec.ID, domain.ErrNotFound)
	}
	if entry.rec.Version != rec.Version {
		return Record{}, fmt.Errorf("save %s/%s at version %d (stored %d): %w",
			rec.Type, rec.ID, rec.Version, entry.rec.Version, domain.ErrConflict)
	}
	for k, v := range cloneFields(rec.Fields) {
		entry.rec.Fields[k] = v
	}
	entry.rec.Version++
	return entry.rec.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, recordType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDelete); err != nil {
		return err
	}
	delete(m.records, recordKey{recordType, id})
	return nil
}

func matches(rec Record, p Predicate) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Equals:
		return scalarEqual(fieldValue(rec, pred.Field), pred.Value)
	case In:
		s, ok := fieldValue(rec, pred.Field).(string)
		return ok && containsString(pred.Values, s)
	case Contains:
		return containsString(asStrings(fieldValue(rec, pred.Field)), pred.Value)
	case ContainsAny:
		for _, item := range asStrings(fieldValue(rec, pred.Field)) {
			if containsString(pred.Values, item) {
				return true
			}
		}
		return false
	case HasPrefix:
		s, ok := fieldValue(rec, pred.Field).(string)
		return ok && strings.HasPrefix(s, pred.Prefix)
	case And:
		for _, inner := range pred {
			if !matches(rec, inner) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func fieldValue(rec Record, field string) any {
	if field == IDField {
		return rec.ID
	}
	return rec.Fields[field]
}

func scalarEqual(a, b any) bool {
	na, okA := normalizeScalar(a)
	nb, okB := normalizeScalar(b)
	return okA && okB && na == nb
}

func normalizeScalar(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64, string, bool, float64:
		return n, true
	default:
		return nil, false
	}
}

func asStrings(v any) []string {
	return Record{Fields: map[string]any{"v": v}}.Strings("v")
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
