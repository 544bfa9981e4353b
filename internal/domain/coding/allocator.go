package coding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/docstore"
	"github.com/ehr/carecore/internal/platform/metrics"
)

// Fields written on every coded document.
const (
	FieldCode      = docstore.CodeField
	FieldCodeKey   = "codeKey"
	FieldScheme    = "codeScheme"
	FieldCreatedAt = "createdAt"
)

// DefaultMaxAttempts bounds allocate+insert attempts per Create.
const DefaultMaxAttempts = 3

// Allocator computes the next code for an entity type from the greatest
// stored code and inserts documents under it.
type Allocator struct {
	store       docstore.Store
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	now         func() time.Time
}

func NewAllocator(store docstore.Store, logger zerolog.Logger) *Allocator {
	return &Allocator{
		store:       store,
		logger:      logger.With().Str("component", "allocator").Logger(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// SetMaxAttempts overrides the retry bound; values below 1 are ignored.
func (a *Allocator) SetMaxAttempts(n int) {
	if n >= 1 {
		a.maxAttempts = n
	}
}

func (a *Allocator) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Next returns the code the next insert of entity would receive. It reads
// the current maximum and does not reserve anything.
func (a *Allocator) Next(ctx context.Context, entity EntityType) (string, error) {
	scheme, err := SchemeFor(entity)
	if err != nil {
		return "", err
	}
	return a.next(ctx, entity, scheme)
}

func (a *Allocator) next(ctx context.Context, entity EntityType, scheme Scheme) (string, error) {
	latest, err := a.store.FindOne(ctx, string(entity), nil, docstore.FindOptions{
		Sort: []docstore.Sort{{Field: FieldCodeKey, Desc: true}},
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return scheme.Next("")
	}
	if err != nil {
		return "", fmt.Errorf("find latest %s code: %w", entity, err)
	}
	return scheme.Next(latest.String(FieldCode))
}

// Create allocates a code for doc and inserts it as entity. A duplicate code
// means another writer won the race; the maximum is re-read and the insert
// retried up to the configured bound. Corrupt sequence state is never
// retried. On success doc holds the stored code fields and id.
func (a *Allocator) Create(ctx context.Context, entity EntityType, doc docstore.Document) (string, error) {
	scheme, err := SchemeFor(entity)
	if err != nil {
		return "", err
	}
	if doc.ID() == "" {
		doc[docstore.IDField] = docstore.NewID()
	}
	if _, ok := doc[FieldCreatedAt]; !ok {
		doc[FieldCreatedAt] = a.now().UTC().Format(time.RFC3339Nano)
	}
	log := a.logger.With().Str("entity", string(entity)).Str("id", doc.ID()).Logger()

	for attempt := 1; ; attempt++ {
		code, err := a.next(ctx, entity, scheme)
		if err != nil {
			if apperr.Is(err, apperr.KindCorruptSequenceState) {
				log.Error().Err(err).Msg("sequence state is corrupt, refusing to allocate")
				a.metrics.ObserveAllocation(string(entity), metrics.OutcomeCorrupt)
			} else {
				a.metrics.ObserveAllocation(string(entity), metrics.OutcomeError)
			}
			return "", err
		}
		key, err := scheme.SortKey(code)
		if err != nil {
			return "", err
		}
		doc[FieldCode] = code
		doc[FieldCodeKey] = key
		doc[FieldScheme] = scheme.ID()

		err = a.store.Insert(ctx, string(entity), doc)
		if err == nil {
			a.metrics.ObserveAllocation(string(entity), metrics.OutcomeAllocated)
			return code, nil
		}
		if !errors.Is(err, docstore.ErrDuplicateKey) {
			a.metrics.ObserveAllocation(string(entity), metrics.OutcomeError)
			return "", fmt.Errorf("insert %s: %w", entity, err)
		}
		if attempt >= a.maxAttempts {
			log.Error().Err(err).Str("code", code).Int("attempts", attempt).
				Msg("code allocation retries exhausted")
			a.metrics.ObserveAllocation(string(entity), metrics.OutcomeExhausted)
			return "", apperr.Wrap(apperr.KindDuplicateKey, "coding.Create", err, code)
		}

		log.Warn().Str("code", code).Int("attempt", attempt).Msg("duplicate code, retrying allocation")
		a.metrics.ObserveAllocationRetry(string(entity))
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}
