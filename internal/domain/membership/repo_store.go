package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/carecore/internal/domain/coding"
	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/docstore"
)

const (
	fieldPrimary     = "primaryMemberId"
	fieldSubprofiles = "subprofileIds"
	fieldTeam        = "healthcareTeam"
	fieldAssigned    = "total_assigned_members"
)

var codeOrder = []docstore.Sort{{Field: coding.FieldCodeKey}}

func teamField(role Role) string { return fieldTeam + "." + string(role) }

func mapNotFound(err error, op, what, id string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return apperr.NotFound(op, what, id)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type memberStoreRepo struct {
	store docstore.Store
	alloc *coding.Allocator
}

func NewMemberRepo(store docstore.Store, alloc *coding.Allocator) MemberRepository {
	return &memberStoreRepo{store: store, alloc: alloc}
}

func (r *memberStoreRepo) Create(ctx context.Context, m *Member) error {
	m.Code, m.CodeKey, m.CodeScheme = "", "", ""
	if m.SubprofileIDs == nil {
		m.SubprofileIDs = []string{}
	}
	doc, err := docstore.Encode(m)
	if err != nil {
		return err
	}
	if _, err := r.alloc.Create(ctx, coding.EntityMember, doc); err != nil {
		return err
	}
	return docstore.Decode(doc, m)
}

func (r *memberStoreRepo) GetByID(ctx context.Context, id string) (*Member, error) {
	doc, err := r.store.FindByID(ctx, string(coding.EntityMember), id)
	if err != nil {
		return nil, mapNotFound(err, "membership.GetMember", "member", id)
	}
	var m Member
	if err := docstore.Decode(doc, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *memberStoreRepo) List(ctx context.Context, limit, offset int) ([]*Member, error) {
	docs, err := r.store.Find(ctx, string(coding.EntityMember), nil, docstore.FindOptions{
		Sort:   codeOrder,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	out := make([]*Member, 0, len(docs))
	for _, doc := range docs {
		var m Member
		if err := docstore.Decode(doc, &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

func (r *memberStoreRepo) Count(ctx context.Context) (int64, error) {
	n, err := r.store.CountWhere(ctx, string(coding.EntityMember), nil)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (r *memberStoreRepo) SubprofileIDsOf(ctx context.Context, primaryID string) ([]string, error) {
	docs, err := r.store.Find(ctx, string(coding.EntityMember), docstore.Filter{fieldPrimary: primaryID},
		docstore.FindOptions{Sort: codeOrder})
	if err != nil {
		return nil, fmt.Errorf("find sub-profiles of %s: %w", primaryID, err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID())
	}
	return ids, nil
}

func (r *memberStoreRepo) update(ctx context.Context, op, id string, p docstore.Patch) error {
	if err := r.store.UpdateByID(ctx, string(coding.EntityMember), id, p); err != nil {
		return mapNotFound(err, op, "member", id)
	}
	return nil
}

func (r *memberStoreRepo) SetPrimary(ctx context.Context, id string, primaryID *string) error {
	return r.update(ctx, "membership.SetPrimary", id, docstore.Patch{
		Set: map[string]any{fieldPrimary: primaryID},
	})
}

func (r *memberStoreRepo) AddSubprofile(ctx context.Context, primaryID, subID string) error {
	return r.update(ctx, "membership.AddSubprofile", primaryID, docstore.Patch{
		AddToSet: map[string]any{fieldSubprofiles: subID},
	})
}

func (r *memberStoreRepo) RemoveSubprofile(ctx context.Context, primaryID, subID string) error {
	return r.update(ctx, "membership.RemoveSubprofile", primaryID, docstore.Patch{
		Pull: map[string]any{fieldSubprofiles: subID},
	})
}

func (r *memberStoreRepo) SetTeamMember(ctx context.Context, id string, role Role, tm TeamMember) error {
	return r.update(ctx, "membership.SetTeamMember", id, docstore.Patch{
		Set: map[string]any{teamField(role): tm},
	})
}

func (r *memberStoreRepo) CountByStaff(ctx context.Context, role Role, staffID string) (int64, error) {
	n, err := r.store.CountWhere(ctx, string(coding.EntityMember), docstore.Filter{
		teamField(role) + "." + docstore.IDField: staffID,
	})
	if err != nil {
		return 0, fmt.Errorf("count members for %s %s: %w", role, staffID, err)
	}
	return n, nil
}

func (r *memberStoreRepo) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteByID(ctx, string(coding.EntityMember), id); err != nil {
		return mapNotFound(err, "membership.DeleteMember", "member", id)
	}
	return nil
}

type staffStoreRepo struct {
	store docstore.Store
	alloc *coding.Allocator
}

func NewStaffRepo(store docstore.Store, alloc *coding.Allocator) StaffRepository {
	return &staffStoreRepo{store: store, alloc: alloc}
}

func (r *staffStoreRepo) Create(ctx context.Context, s *Staff) error {
	s.Code, s.CodeKey, s.CodeScheme = "", "", ""
	s.TotalAssignedMembers = nil
	if s.Role.Counted() {
		var zero int64
		s.TotalAssignedMembers = &zero
	}
	doc, err := docstore.Encode(s)
	if err != nil {
		return err
	}
	if _, err := r.alloc.Create(ctx, s.Role.Entity(), doc); err != nil {
		return err
	}
	return docstore.Decode(doc, s)
}

func (r *staffStoreRepo) GetByID(ctx context.Context, role Role, id string) (*Staff, error) {
	doc, err := r.store.FindByID(ctx, string(role), id)
	if err != nil {
		return nil, mapNotFound(err, "membership.GetStaff", string(role), id)
	}
	var s Staff
	if err := docstore.Decode(doc, &s); err != nil {
		return nil, err
	}
	s.Role = role
	return &s, nil
}

func (r *staffStoreRepo) List(ctx context.Context, role Role, limit, offset int) ([]*Staff, error) {
	docs, err := r.store.Find(ctx, string(role), nil, docstore.FindOptions{
		Sort:   codeOrder,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", role, err)
	}
	out := make([]*Staff, 0, len(docs))
	for _, doc := range docs {
		var s Staff
		if err := docstore.Decode(doc, &s); err != nil {
			return nil, err
		}
		s.Role = role
		out = append(out, &s)
	}
	return out, nil
}

func (r *staffStoreRepo) Count(ctx context.Context, role Role) (int64, error) {
	n, err := r.store.CountWhere(ctx, string(role), nil)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", role, err)
	}
	return n, nil
}

func (r *staffStoreRepo) SetAssignedCount(ctx context.Context, role Role, id string, n int64) error {
	err := r.store.UpdateByID(ctx, string(role), id, docstore.Patch{
		Set: map[string]any{fieldAssigned: n},
	})
	if err != nil {
		return mapNotFound(err, "membership.SetAssignedCount", string(role), id)
	}
	return nil
}

func (r *staffStoreRepo) Delete(ctx context.Context, role Role, id string) error {
	if err := r.store.DeleteByID(ctx, string(role), id); err != nil {
		return mapNotFound(err, "membership.DeleteStaff", string(role), id)
	}
	return nil
}
