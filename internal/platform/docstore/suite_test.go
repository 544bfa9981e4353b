package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/carecore/internal/platform/db"
)

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndFindByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := Document{"code": "AAA00", "name": "Ada"}
		require.NoError(t, s.Insert(ctx, "member", doc))
		require.NotEmpty(t, doc.ID(), "insert assigns an id")

		got, err := s.FindByID(ctx, "member", doc.ID())
		require.NoError(t, err)
		assert.Equal(t, "Ada", got.String("name"))
	})

	t.Run("FindByIDMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByID(context.Background(), "member", "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("DuplicateCode", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"code": "AAA00"}))
		err := s.Insert(ctx, "member", Document{"code": "AAA00"})
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)

		// same code under another type is fine
		assert.NoError(t, s.Insert(ctx, "doctor", Document{"code": "AAA00"}))
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "m1"}))
		err := s.Insert(ctx, "member", Document{"_id": "m1"})
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)
	})

	t.Run("DocumentsWithoutCodeDoNotCollide", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"name": "a"}))
		require.NoError(t, s.Insert(ctx, "member", Document{"name": "b"}))
	})

	t.Run("FindOneSorted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"AHDOC00003:001", "AHDOC00004:1000", "AHDOC00003:999"} {
			require.NoError(t, s.Insert(ctx, "doctor", Document{"code": k, "codeKey": k}))
		}
		got, err := s.FindOne(ctx, "doctor", nil, FindOptions{Sort: []Sort{{Field: "codeKey", Desc: true}}})
		require.NoError(t, err)
		assert.Equal(t, "AHDOC00004:1000", got.String("codeKey"))

		_, err = s.FindOne(ctx, "nurse", nil, FindOptions{})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("FindFilterLimitOffset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c", "d"} {
			team := map[string]any{"doctor": map[string]any{"_id": "d1"}}
			if id == "d" {
				team = map[string]any{}
			}
			require.NoError(t, s.Insert(ctx, "member", Document{"_id": id, "healthcareTeam": team}))
		}
		docs, err := s.Find(ctx, "member", Filter{"healthcareTeam.doctor._id": "d1"},
			FindOptions{Sort: []Sort{{Field: "_id"}}, Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "b", docs[0].ID())

		n, err := s.CountWhere(ctx, "member", Filter{"healthcareTeam.doctor._id": "d1"})
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})

	t.Run("NullFilterMatchesMissing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "p", "primaryMember": nil}))
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "q"}))
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "s", "primaryMember": "p"}))

		n, err := s.CountWhere(ctx, "member", Filter{"primaryMember": nil})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("ArrayElementFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "p", "subprofiles": []string{"s1", "s2"}}))
		got, err := s.FindOne(ctx, "member", Filter{"subprofiles": "s2"}, FindOptions{})
		require.NoError(t, err)
		assert.Equal(t, "p", got.ID())
	})

	t.Run("UpdateOperators", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "p", "subprofiles": []string{}}))

		require.NoError(t, s.UpdateByID(ctx, "member", "p", Patch{AddToSet: map[string]any{"subprofiles": "s1"}}))
		require.NoError(t, s.UpdateByID(ctx, "member", "p", Patch{AddToSet: map[string]any{"subprofiles": "s1"}}))
		require.NoError(t, s.UpdateByID(ctx, "member", "p", Patch{
			Set:      map[string]any{"healthcareTeam.doctor": map[string]any{"_id": "d1", "name": "Dr A"}},
			AddToSet: map[string]any{"subprofiles": "s2"},
		}))

		got, err := s.FindByID(ctx, "member", "p")
		require.NoError(t, err)
		assert.Equal(t, []any{"s1", "s2"}, got["subprofiles"])
		assert.Equal(t, "Dr A", got.String("healthcareTeam.doctor.name"))

		require.NoError(t, s.UpdateByID(ctx, "member", "p", Patch{
			Pull:  map[string]any{"subprofiles": "s1"},
			Unset: []string{"healthcareTeam.doctor"},
		}))
		got, err = s.FindByID(ctx, "member", "p")
		require.NoError(t, err)
		assert.Equal(t, []any{"s2"}, got["subprofiles"])
		_, present := got.Lookup("healthcareTeam.doctor")
		assert.False(t, present)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateByID(context.Background(), "member", "nope", Patch{Set: map[string]any{"x": 1}})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, "member", Document{"_id": "m1"}))
		require.NoError(t, s.DeleteByID(ctx, "member", "m1"))
		assert.True(t, errors.Is(s.DeleteByID(ctx, "member", "m1"), ErrNotFound))
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		s := newStore(t)
		acme := db.WithTenant(context.Background(), "acme")
		require.NoError(t, s.EnsureIndexes(acme, "member"))
		require.NoError(t, s.Insert(acme, "member", Document{"_id": "m1", "code": "AAA00"}))

		_, err := s.FindByID(context.Background(), "member", "m1")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, s.Insert(context.Background(), "member", Document{"_id": "m1", "code": "AAA00"}))
	})
}
