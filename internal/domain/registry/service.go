package registry

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/carecore/internal/domain/coding"
	"github.com/ehr/carecore/internal/platform/apperr"
)

type Service struct {
	repo   Repository
	alloc  *coding.Allocator
	logger zerolog.Logger
}

func NewService(repo Repository, alloc *coding.Allocator, logger zerolog.Logger) *Service {
	return &Service{repo: repo, alloc: alloc, logger: logger.With().Str("component", "registry").Logger()}
}

func checkEntity(op string, entity coding.EntityType) error {
	if !registered[entity] {
		return apperr.Invalid(op, "unsupported registry entity: "+string(entity))
	}
	return nil
}

// Register stores a new record under the next free code for its entity.
func (s *Service) Register(ctx context.Context, entity coding.EntityType, name string, attrs map[string]string) (*Record, error) {
	const op = "registry.Register"
	if err := checkEntity(op, entity); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Invalid(op, "name is required")
	}
	rec := &Record{Entity: entity, Name: name, Attributes: attrs}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info().Str("entity", string(entity)).Str("id", rec.ID).Str("code", rec.Code).Msg("record registered")
	return rec, nil
}

func (s *Service) Get(ctx context.Context, entity coding.EntityType, id string) (*Record, error) {
	if err := checkEntity("registry.Get", entity); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, entity, id)
}

// List returns one page of records in code order and the total count.
func (s *Service) List(ctx context.Context, entity coding.EntityType, limit, offset int) ([]*Record, int64, error) {
	if err := checkEntity("registry.List", entity); err != nil {
		return nil, 0, err
	}
	recs, err := s.repo.List(ctx, entity, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, entity)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *Service) Delete(ctx context.Context, entity coding.EntityType, id string) error {
	if err := checkEntity("registry.Delete", entity); err != nil {
		return err
	}
	return s.repo.Delete(ctx, entity, id)
}

// PeekNext reports the code the next registration would receive. A
// concurrent registration may take it first.
func (s *Service) PeekNext(ctx context.Context, entity coding.EntityType) (string, error) {
	if err := checkEntity("registry.PeekNext", entity); err != nil {
		return "", err
	}
	return s.alloc.Next(ctx, entity)
}
