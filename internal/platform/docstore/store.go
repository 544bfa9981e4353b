// Package docstore is the document-store abstraction the allocation and
// relationship code is written against. Documents are JSON-shaped maps keyed
// by "_id"; every backend enforces uniqueness of "code" per document type and
// scopes data to the tenant carried on the context.
package docstore

import (
	"context"
	"errors"
)

const (
	IDField   = "_id"
	CodeField = "code"
)

var (
	ErrNotFound     = errors.New("docstore: document not found")
	ErrDuplicateKey = errors.New("docstore: duplicate key")
)

// Document is a schemaless record. Values are JSON types: string, float64,
// bool, nil, []any and map[string]any.
type Document map[string]any

// ID returns the document's "_id" or "" when it is missing.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Filter matches documents by equality on dotted paths
// ("healthcareTeam.doctor._id"). A nil value matches a missing or null field.
// When the field holds an array the filter matches if any element is equal.
type Filter map[string]any

// Sort orders results by the string form of a dotted path.
type Sort struct {
	Field string
	Desc  bool
}

type FindOptions struct {
	Sort   []Sort
	Limit  int
	Offset int
}

// Patch describes a single-document update. Paths are dotted.
type Patch struct {
	Set      map[string]any
	Unset    []string
	AddToSet map[string]any
	Pull     map[string]any
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0 && len(p.AddToSet) == 0 && len(p.Pull) == 0
}

type Store interface {
	FindByID(ctx context.Context, docType, id string) (Document, error)
	// FindOne returns the first match under opts.Sort or ErrNotFound.
	FindOne(ctx context.Context, docType string, filter Filter, opts FindOptions) (Document, error)
	Find(ctx context.Context, docType string, filter Filter, opts FindOptions) ([]Document, error)
	// Insert fails with ErrDuplicateKey when the "_id" or "code" is taken.
	Insert(ctx context.Context, docType string, doc Document) error
	UpdateByID(ctx context.Context, docType, id string, patch Patch) error
	CountWhere(ctx context.Context, docType string, filter Filter) (int64, error)
	DeleteByID(ctx context.Context, docType, id string) error
	// EnsureIndexes creates the unique code index and sort index for the
	// given types in the context's tenant.
	EnsureIndexes(ctx context.Context, docTypes ...string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
