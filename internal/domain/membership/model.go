package membership

import (
	"time"

	"github.com/ehr/carecore/internal/domain/coding"
	"github.com/ehr/carecore/internal/platform/apperr"
)

// Role is a healthcare-team slot on a member.
type Role string

const (
	RoleDoctor    Role = "doctor"
	RoleNavigator Role = "navigator"
	RoleNurse     Role = "nurse"
)

var validRoles = map[Role]bool{
	RoleDoctor: true, RoleNavigator: true, RoleNurse: true,
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !validRoles[r] {
		return "", apperr.Invalid("membership.ParseRole", "invalid role: "+s)
	}
	return r, nil
}

// Counted reports whether staff in this role carry total_assigned_members.
// Nurses do not.
func (r Role) Counted() bool {
	return r == RoleDoctor || r == RoleNavigator
}

// Entity is the coded entity type staff of this role are stored as.
func (r Role) Entity() coding.EntityType {
	return coding.EntityType(r)
}

// TeamMember is the snapshot written onto a member at assignment time. Name
// is copied and is not refreshed when the staff record changes.
type TeamMember struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	AssignedDate time.Time `json:"assignedDate"`
}

type HealthcareTeam struct {
	Doctor    *TeamMember `json:"doctor,omitempty"`
	Navigator *TeamMember `json:"navigator,omitempty"`
	Nurse     *TeamMember `json:"nurse,omitempty"`
}

func (t HealthcareTeam) Get(role Role) *TeamMember {
	switch role {
	case RoleDoctor:
		return t.Doctor
	case RoleNavigator:
		return t.Navigator
	case RoleNurse:
		return t.Nurse
	}
	return nil
}

type Member struct {
	ID              string         `json:"_id"`
	Code            string         `json:"code,omitempty"`
	CodeScheme      string         `json:"codeScheme,omitempty"`
	CodeKey         string         `json:"codeKey,omitempty"`
	CreatedAt       *time.Time     `json:"createdAt,omitempty"`
	Name            string         `json:"name"`
	PrimaryMemberID *string        `json:"primaryMemberId"`
	SubprofileIDs   []string       `json:"subprofileIds"`
	HealthcareTeam  HealthcareTeam `json:"healthcareTeam"`
}

// IsSubprofile reports whether the member belongs to a primary.
func (m *Member) IsSubprofile() bool {
	return m.PrimaryMemberID != nil && *m.PrimaryMemberID != ""
}

func (m *Member) HasSubprofile(id string) bool {
	for _, s := range m.SubprofileIDs {
		if s == id {
			return true
		}
	}
	return false
}

type Staff struct {
	ID         string     `json:"_id"`
	Code       string     `json:"code,omitempty"`
	CodeScheme string     `json:"codeScheme,omitempty"`
	CodeKey    string     `json:"codeKey,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	Role       Role       `json:"role"`
	Name       string     `json:"name"`
	// TotalAssignedMembers is a display cache. Nil for nurses.
	TotalAssignedMembers *int64 `json:"total_assigned_members,omitempty"`
}

// BulkFailure is one member that could not be assigned.
type BulkFailure struct {
	MemberID string      `json:"member_id"`
	Kind     apperr.Kind `json:"kind"`
	Reason   string      `json:"reason"`
}

type BulkResult struct {
	Assigned []string      `json:"assigned"`
	Failed   []BulkFailure `json:"failed"`
}

// AssignmentStatus compares the cached counter with a fresh count.
type AssignmentStatus struct {
	StaffID string `json:"staff_id"`
	Role    Role   `json:"role"`
	Cached  *int64 `json:"cached,omitempty"`
	Live    int64  `json:"live"`
	Stale   bool   `json:"stale"`
}
