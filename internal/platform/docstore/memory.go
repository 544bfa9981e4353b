package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ehr/carecore/internal/platform/db"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store used by tests and STORE_BACKEND=memory.
// It enforces the same uniqueness rules as the persistent backends.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]Document // tenant/type -> id -> doc
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]Document)}
}

func (m *Memory) table(ctx context.Context, docType string, create bool) map[string]Document {
	key := db.TenantOrDefault(ctx) + "/" + docType
	t, ok := m.tables[key]
	if !ok && create {
		t = make(map[string]Document)
		m.tables[key] = t
	}
	return t
}

func (m *Memory) FindByID(ctx context.Context, docType, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.table(ctx, docType, false)[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.clone(), nil
}

func (m *Memory) FindOne(ctx context.Context, docType string, filter Filter, opts FindOptions) (Document, error) {
	opts.Limit = 1
	docs, err := m.Find(ctx, docType, filter, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (m *Memory) Find(ctx context.Context, docType string, filter Filter, opts FindOptions) ([]Document, error) {
	nf, err := filter.normalized()
	if err != nil {
		return nil, fmt.Errorf("memory find %s: %w", docType, err)
	}

	m.mu.RLock()
	var matched []Document
	for _, doc := range m.table(ctx, docType, false) {
		if doc.matches(nf) {
			matched = append(matched, doc.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return lessBy(matched[i], matched[j], opts.Sort) })

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (m *Memory) Insert(ctx context.Context, docType string, doc Document) error {
	if doc.ID() == "" {
		doc[IDField] = NewID()
	}
	stored, err := Encode(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(ctx, docType, true)
	if _, exists := t[stored.ID()]; exists {
		return fmt.Errorf("%w: %s %s=%s", ErrDuplicateKey, docType, IDField, stored.ID())
	}
	if code := stored.String(CodeField); code != "" {
		for _, other := range t {
			if other.String(CodeField) == code {
				return fmt.Errorf("%w: %s %s=%s", ErrDuplicateKey, docType, CodeField, code)
			}
		}
	}
	t[stored.ID()] = stored
	return nil
}

func (m *Memory) UpdateByID(ctx context.Context, docType, id string, patch Patch) error {
	np, err := patch.normalized()
	if err != nil {
		return fmt.Errorf("memory update %s: %w", docType, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(ctx, docType, false)
	doc, ok := t[id]
	if !ok {
		return ErrNotFound
	}
	updated := doc.clone()
	if err := updated.applyPatch(np); err != nil {
		return fmt.Errorf("memory update %s/%s: %w", docType, id, err)
	}
	if code := updated.String(CodeField); code != "" && code != doc.String(CodeField) {
		for otherID, other := range t {
			if otherID != id && other.String(CodeField) == code {
				return fmt.Errorf("%w: %s %s=%s", ErrDuplicateKey, docType, CodeField, code)
			}
		}
	}
	t[id] = updated
	return nil
}

func (m *Memory) CountWhere(ctx context.Context, docType string, filter Filter) (int64, error) {
	nf, err := filter.normalized()
	if err != nil {
		return 0, fmt.Errorf("memory count %s: %w", docType, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, doc := range m.table(ctx, docType, false) {
		if doc.matches(nf) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteByID(ctx context.Context, docType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(ctx, docType, false)
	if _, ok := t[id]; !ok {
		return ErrNotFound
	}
	delete(t, id)
	return nil
}

func (m *Memory) EnsureIndexes(context.Context, ...string) error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }
