package membership

import (
	"context"
)

type MemberRepository interface {
	// Create allocates the member code and inserts the record.
	Create(ctx context.Context, m *Member) error
	GetByID(ctx context.Context, id string) (*Member, error)
	// List returns members in code order.
	List(ctx context.Context, limit, offset int) ([]*Member, error)
	Count(ctx context.Context) (int64, error)
	// SubprofileIDsOf returns the members whose primaryMemberId is
	// primaryID, read from the members themselves rather than the primary's
	// subprofileIds list.
	SubprofileIDsOf(ctx context.Context, primaryID string) ([]string, error)
	SetPrimary(ctx context.Context, id string, primaryID *string) error
	AddSubprofile(ctx context.Context, primaryID, subID string) error
	RemoveSubprofile(ctx context.Context, primaryID, subID string) error
	SetTeamMember(ctx context.Context, id string, role Role, tm TeamMember) error
	CountByStaff(ctx context.Context, role Role, staffID string) (int64, error)
	Delete(ctx context.Context, id string) error
}

type StaffRepository interface {
	// Create allocates the role's code and inserts the record.
	Create(ctx context.Context, s *Staff) error
	GetByID(ctx context.Context, role Role, id string) (*Staff, error)
	// List returns staff of the role in code order.
	List(ctx context.Context, role Role, limit, offset int) ([]*Staff, error)
	Count(ctx context.Context, role Role) (int64, error)
	SetAssignedCount(ctx context.Context, role Role, id string, n int64) error
	Delete(ctx context.Context, role Role, id string) error
}
