package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/carecore/internal/domain/coding"
	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/docstore"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, entity coding.EntityType, id string) (*Record, error)
	List(ctx context.Context, entity coding.EntityType, limit, offset int) ([]*Record, error)
	Count(ctx context.Context, entity coding.EntityType) (int64, error)
	Delete(ctx context.Context, entity coding.EntityType, id string) error
}

type storeRepo struct {
	store docstore.Store
	alloc *coding.Allocator
}

func NewRepo(store docstore.Store, alloc *coding.Allocator) Repository {
	return &storeRepo{store: store, alloc: alloc}
}

func notFound(err error, op string, entity coding.EntityType, id string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound(op, string(entity), id)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *storeRepo) Create(ctx context.Context, rec *Record) error {
	rec.Code, rec.CodeKey, rec.CodeScheme = "", "", ""
	doc, err := docstore.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := r.alloc.Create(ctx, rec.Entity, doc); err != nil {
		return err
	}
	return docstore.Decode(doc, rec)
}

func (r *storeRepo) GetByID(ctx context.Context, entity coding.EntityType, id string) (*Record, error) {
	doc, err := r.store.FindByID(ctx, string(entity), id)
	if err != nil {
		return nil, notFound(err, "registry.Get", entity, id)
	}
	var rec Record
	if err := docstore.Decode(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *storeRepo) List(ctx context.Context, entity coding.EntityType, limit, offset int) ([]*Record, error) {
	docs, err := r.store.Find(ctx, string(entity), nil, docstore.FindOptions{
		Sort:   []docstore.Sort{{Field: coding.FieldCodeKey}},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}
	out := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		var rec Record
		if err := docstore.Decode(doc, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *storeRepo) Count(ctx context.Context, entity coding.EntityType) (int64, error) {
	n, err := r.store.CountWhere(ctx, string(entity), nil)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

func (r *storeRepo) Delete(ctx context.Context, entity coding.EntityType, id string) error {
	if err := r.store.DeleteByID(ctx, string(entity), id); err != nil {
		return notFound(err, "registry.Delete", entity, id)
	}
	return nil
}
