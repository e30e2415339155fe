package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It keeps every document in a map keyed by
// full path and delivers watch callbacks in order through one goroutine per
// watcher, so a slow subscriber never blocks writers or other watchers.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]Doc
	lastTS   int64
	nextID   int
	watchers map[int]*watcher
}

// NewMemory creates an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]Doc),
		watchers: make(map[int]*watcher),
	}
}

// Close cancels all watchers.
func (m *Memory) Close() {
	m.mu.Lock()
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[int]*watcher)
	m.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func (m *Memory) Get(_ context.Context, path string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, nil
	}
	return deepCopy(doc), nil
}

func (m *Memory) Set(_ context.Context, path string, fields Doc, merge bool) error {
	m.mu.Lock()
	m.applyWrite(Write{Path: path, Fields: fields, Merge: merge}, m.stamp())
	m.notifyLocked([]string{path})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Create(_ context.Context, collection string, fields Doc) (string, error) {
	id := uuid.NewString()
	path := collection + "/" + id
	m.mu.Lock()
	m.applyWrite(Write{Path: path, Fields: fields}, m.stamp())
	m.notifyLocked([]string{path})
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runQueryLocked(q), nil
}

func (m *Memory) Apply(_ context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	m.mu.Lock()
	now := m.stamp()
	touched := make([]string, 0, len(writes))
	for _, w := range writes {
		m.applyWrite(w, now)
		touched = append(touched, w.Path)
	}
	m.notifyLocked(touched)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RunTransaction(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.staged) == 0 {
		return nil
	}
	now := m.stamp()
	touched := make([]string, 0, len(tx.staged))
	for _, w := range tx.staged {
		m.applyWrite(w, now)
		touched = append(touched, w.Path)
	}
	m.notifyLocked(touched)
	return nil
}

func (m *Memory) WatchDoc(path string, fn func(Snapshot)) (func(), error) {
	w := newWatcher()
	w.docPath = path
	w.onDoc = fn

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	w.push(m.docSnapshotLocked(path))
	m.mu.Unlock()

	go w.run()
	return m.cancelFunc(id, w), nil
}

func (m *Memory) WatchQuery(q Query, fn func([]Snapshot)) (func(), error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("watch query: empty collection")
	}
	w := newWatcher()
	w.query = &q
	w.onQuery = fn

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	w.push(m.runQueryLocked(q))
	m.mu.Unlock()

	go w.run()
	return m.cancelFunc(id, w), nil
}

func (m *Memory) cancelFunc(id int, w *watcher) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
			w.stop()
		})
	}
}

// stamp returns a strictly increasing UnixMilli timestamp.
func (m *Memory) stamp() int64 {
	now := time.Now().UnixMilli()
	if now <= m.lastTS {
		now = m.lastTS + 1
	}
	m.lastTS = now
	return now
}

func (m *Memory) applyWrite(w Write, now int64) {
	var doc Doc
	if w.Merge {
		if existing, ok := m.docs[w.Path]; ok {
			doc = existing
		} else {
			doc = Doc{}
		}
	} else {
		doc = Doc{}
	}
	for field, value := range w.Fields {
		setField(doc, field, resolveValue(getField(doc, field), value, now))
	}
	m.docs[w.Path] = doc
}

func (m *Memory) docSnapshotLocked(path string) Snapshot {
	snap := Snapshot{ID: docID(path), Path: path}
	if doc, ok := m.docs[path]; ok {
		snap.Data = deepCopy(doc)
	}
	return snap
}

func (m *Memory) runQueryLocked(q Query) []Snapshot {
	var out []Snapshot
	prefix := q.Collection + "/"
	for path, doc := range m.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		if !matches(doc, q.Filters) {
			continue
		}
		out = append(out, Snapshot{ID: docID(path), Path: path, Data: deepCopy(doc)})
	}
	sort.Slice(out, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(getField(out[i].Data, q.OrderBy), getField(out[j].Data, q.OrderBy))
			if c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].Path < out[j].Path
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *Memory) notifyLocked(touched []string) {
	for _, w := range m.watchers {
		if w.docPath != "" {
			for _, path := range touched {
				if path == w.docPath {
					w.push(m.docSnapshotLocked(path))
					break
				}
			}
			continue
		}
		coll := w.query.Collection + "/"
		for _, path := range touched {
			if strings.HasPrefix(path, coll) && !strings.Contains(path[len(coll):], "/") {
				w.push(m.runQueryLocked(*w.query))
				break
			}
		}
	}
}

type memTx struct {
	store  *Memory
	staged []Write
}

func (t *memTx) Get(path string) (Doc, error) {
	doc, ok := t.store.docs[path]
	if !ok {
		return nil, nil
	}
	return deepCopy(doc), nil
}

func (t *memTx) Set(path string, fields Doc, merge bool) {
	t.staged = append(t.staged, Write{Path: path, Fields: fields, Merge: merge})
}

// watcher delivers snapshots in order on its own goroutine.
type watcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	closed  bool
	docPath string
	query   *Query
	onDoc   func(Snapshot)
	onQuery func([]Snapshot)
}

func newWatcher() *watcher {
	w := &watcher{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) push(item any) {
	w.mu.Lock()
	if !w.closed {
		w.queue = append(w.queue, item)
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *watcher) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		switch v := item.(type) {
		case Snapshot:
			w.onDoc(v)
		case []Snapshot:
			w.onQuery(v)
		}
	}
}

// docID returns the last path segment.
func docID(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func deepCopy(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return deepCopy(t)
	case map[string]any:
		return map[string]any(deepCopy(Doc(t)))
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// resolveValue turns write sentinels into concrete values against the
// existing field value.
func resolveValue(existing, v any, now int64) any {
	switch t := v.(type) {
	case serverTime:
		return now
	case union:
		return unite(existing, t.elems)
	case Doc:
		return copyValue(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = resolveValue(nil, e, now)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []any:
		return copyValue(t)
	default:
		return v
	}
}

func unite(existing any, elems []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range toStrings(existing) {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range elems {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func getField(doc Doc, field string) any {
	cur := any(doc)
	for _, part := range strings.Split(field, ".") {
		asMap, ok := toMap(cur)
		if !ok {
			return nil
		}
		cur, ok = asMap[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func setField(doc Doc, field string, value any) {
	parts := strings.Split(field, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := toMap(cur[part])
		if !ok {
			next = make(map[string]any)
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func toMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Doc:
		return t, true
	case map[string]any:
		return t, true
	default:
		return nil, false
	}
}

func matches(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		val := getField(doc, f.Field)
		switch f.Op {
		case OpEq:
			if !valuesEqual(val, f.Value) {
				return false
			}
		case OpNotEq:
			if val == nil || valuesEqual(val, f.Value) {
				return false
			}
		case OpIn:
			hit := false
			for _, want := range toAnySlice(f.Value) {
				if valuesEqual(val, want) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case OpContains:
			hit := false
			for _, have := range toAnySlice(val) {
				if valuesEqual(have, f.Value) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toAnySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func valuesEqual(a, b any) bool {
	if ai, ok := toInt64(a); ok {
		if bi, ok := toInt64(b); ok {
			return ai == bi
		}
		return false
	}
	return a == b
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

// compareValues orders two field values: numbers numerically, strings
// lexicographically, missing values last.
func compareValues(a, b any) int {
	ai, aok := toInt64(a)
	bi, bok := toInt64(b)
	switch {
	case aok && bok:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aok:
		return -1
	case bok:
		return 1
	}
	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	switch {
	case aok2 && bok2:
		return strings.Compare(as, bs)
	case aok2:
		return -1
	case bok2:
		return 1
	}
	return 0
}
