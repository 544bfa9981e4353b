package membership

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/lease"
	"github.com/ehr/carecore/internal/platform/metrics"
)

// Service keeps primary/sub-profile links bidirectional and staff counters
// in line with member assignments. Writes touching two documents are not
// transactional: the sub-profile's primaryMemberId and the member's
// healthcareTeam are authoritative, and the reverse lists and counters are
// repaired by Reconcile when a request dies between steps.
type Service struct {
	members MemberRepository
	staff   StaffRepository
	logger  zerolog.Logger
	metrics *metrics.Metrics
	locker  lease.Locker
	now     func() time.Time

	batchSize int
	leaseTTL  time.Duration
}

func NewService(members MemberRepository, staff StaffRepository, logger zerolog.Logger) *Service {
	return &Service{
		members:   members,
		staff:     staff,
		logger:    logger.With().Str("component", "membership").Logger(),
		locker:    lease.Noop{},
		now:       time.Now,
		batchSize: DefaultReconcileBatchSize,
		leaseTTL:  DefaultReconcileLeaseTTL,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// -- Members --

func (s *Service) CreateMember(ctx context.Context, m *Member) error {
	const op = "membership.CreateMember"
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return apperr.Invalid(op, "name is required")
	}
	m.SubprofileIDs = []string{}
	m.HealthcareTeam = HealthcareTeam{}

	var primaryID string
	if m.IsSubprofile() {
		primaryID = *m.PrimaryMemberID
		primary, err := s.members.GetByID(ctx, primaryID)
		if err != nil {
			return err
		}
		if primary.IsSubprofile() {
			return apperr.InvalidRelationship(op, "primary is itself a sub-profile", primaryID, *primary.PrimaryMemberID)
		}
	} else {
		m.PrimaryMemberID = nil
	}

	if err := s.members.Create(ctx, m); err != nil {
		return err
	}
	if primaryID != "" {
		if err := s.members.AddSubprofile(ctx, primaryID, m.ID); err != nil {
			s.logger.Warn().Err(err).Str("member_id", m.ID).Str("primary_id", primaryID).
				Msg("member created without backlink on primary, left for reconciliation")
		}
	}
	return nil
}

func (s *Service) GetMember(ctx context.Context, id string) (*Member, error) {
	return s.members.GetByID(ctx, id)
}

// ListMembers returns one page of members in code order and the total count.
func (s *Service) ListMembers(ctx context.Context, limit, offset int) ([]*Member, int64, error) {
	members, err := s.members.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.members.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return members, total, nil
}

// LinkSubprofile makes subID a dependent of primaryID. Linking an existing
// pair again is a no-op that also repairs a missing reverse entry.
func (s *Service) LinkSubprofile(ctx context.Context, primaryID, subID string) error {
	const op = "membership.LinkSubprofile"
	if primaryID == subID {
		return apperr.InvalidRelationship(op, "member cannot be its own primary", subID)
	}
	primary, sub, err := s.loadPair(ctx, primaryID, subID)
	if err != nil {
		return err
	}
	if err := s.checkLink(ctx, op, primary, sub); err != nil {
		return err
	}
	if sub.IsSubprofile() && *sub.PrimaryMemberID != primaryID {
		return apperr.InvalidRelationship(op, "member already belongs to another primary, reparent instead",
			subID, *sub.PrimaryMemberID)
	}

	if !sub.IsSubprofile() {
		if err := s.members.SetPrimary(ctx, subID, &primaryID); err != nil {
			return err
		}
	}
	if !primary.HasSubprofile(subID) {
		if err := s.members.AddSubprofile(ctx, primaryID, subID); err != nil {
			return err
		}
	}
	return nil
}

// ReparentSubprofile moves subID under newPrimaryID. The sub-profile side is
// written first, then the new primary's list, then the old primary's list is
// cleaned. An old primary that no longer exists is logged and skipped.
func (s *Service) ReparentSubprofile(ctx context.Context, subID, newPrimaryID string) error {
	const op = "membership.ReparentSubprofile"
	if subID == newPrimaryID {
		return apperr.InvalidRelationship(op, "member cannot be its own primary", subID)
	}
	primary, sub, err := s.loadPair(ctx, newPrimaryID, subID)
	if err != nil {
		return err
	}
	if err := s.checkLink(ctx, op, primary, sub); err != nil {
		return err
	}

	var oldPrimaryID string
	if sub.IsSubprofile() {
		oldPrimaryID = *sub.PrimaryMemberID
	}
	if oldPrimaryID != newPrimaryID {
		if err := s.members.SetPrimary(ctx, subID, &newPrimaryID); err != nil {
			return err
		}
	}
	if !primary.HasSubprofile(subID) {
		if err := s.members.AddSubprofile(ctx, newPrimaryID, subID); err != nil {
			return err
		}
	}
	if oldPrimaryID != "" && oldPrimaryID != newPrimaryID {
		return s.detachFrom(ctx, oldPrimaryID, subID)
	}
	return nil
}

// UnlinkSubprofile turns subID back into an independent member.
func (s *Service) UnlinkSubprofile(ctx context.Context, subID string) error {
	sub, err := s.members.GetByID(ctx, subID)
	if err != nil {
		return err
	}
	if !sub.IsSubprofile() {
		return nil
	}
	oldPrimaryID := *sub.PrimaryMemberID
	if err := s.members.SetPrimary(ctx, subID, nil); err != nil {
		return err
	}
	return s.detachFrom(ctx, oldPrimaryID, subID)
}

// detachFrom removes subID from primaryID's list, tolerating a primary that
// has already been deleted.
func (s *Service) detachFrom(ctx context.Context, primaryID, subID string) error {
	err := s.members.RemoveSubprofile(ctx, primaryID, subID)
	if apperr.Is(err, apperr.KindNotFound) {
		s.logger.Warn().Str("primary_id", primaryID).Str("sub_id", subID).
			Msg("previous primary no longer exists, left for reconciliation")
		return nil
	}
	return err
}

func (s *Service) loadPair(ctx context.Context, primaryID, subID string) (*Member, *Member, error) {
	primary, err := s.members.GetByID(ctx, primaryID)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.members.GetByID(ctx, subID)
	if err != nil {
		return nil, nil, err
	}
	return primary, sub, nil
}

// checkLink enforces the one-level hierarchy: a primary is never itself a
// sub-profile and a sub-profile never owns sub-profiles.
func (s *Service) checkLink(ctx context.Context, op string, primary, sub *Member) error {
	if primary.IsSubprofile() {
		return apperr.InvalidRelationship(op, "primary is itself a sub-profile", primary.ID, *primary.PrimaryMemberID)
	}
	deps, err := s.dependents(ctx, sub)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return apperr.InvalidRelationship(op, "member owns sub-profiles and cannot become one",
			append([]string{sub.ID}, deps...)...)
	}
	return nil
}

// dependents merges the member's subprofileIds with the members that point
// at it. A request that died after writing the sub-profile side leaves the
// list short, so the list alone is not trusted.
func (s *Service) dependents(ctx context.Context, m *Member) ([]string, error) {
	pointing, err := s.members.SubprofileIDsOf(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(m.SubprofileIDs)+len(pointing))
	var ids []string
	for _, id := range append(append([]string{}, m.SubprofileIDs...), pointing...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteMember removes a member that has no dependents. The member is first
// taken out of its primary's list so no back-reference outlives it, and the
// counters of the staff it referenced are refreshed afterwards.
func (s *Service) DeleteMember(ctx context.Context, id string) error {
	const op = "membership.DeleteMember"
	m, err := s.members.GetByID(ctx, id)
	if err != nil {
		return err
	}
	deps, err := s.dependents(ctx, m)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return apperr.New(apperr.KindHasDependents, op,
			fmt.Sprintf("member %s has %d sub-profile(s)", id, len(deps)), deps...)
	}
	if m.IsSubprofile() {
		if err := s.detachFrom(ctx, *m.PrimaryMemberID, id); err != nil {
			return err
		}
	}
	if err := s.members.Delete(ctx, id); err != nil {
		return err
	}
	for _, role := range []Role{RoleDoctor, RoleNavigator} {
		if tm := m.HealthcareTeam.Get(role); tm != nil {
			if err := s.recountIfExists(ctx, role, tm.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// -- Staff --

func (s *Service) CreateStaff(ctx context.Context, st *Staff) error {
	if !validRoles[st.Role] {
		return apperr.Invalid("membership.CreateStaff", "invalid role: "+string(st.Role))
	}
	st.Name = strings.TrimSpace(st.Name)
	if st.Name == "" {
		return apperr.Invalid("membership.CreateStaff", "name is required")
	}
	return s.staff.Create(ctx, st)
}

func (s *Service) GetStaff(ctx context.Context, role Role, id string) (*Staff, error) {
	return s.staff.GetByID(ctx, role, id)
}

func (s *Service) ListStaff(ctx context.Context, role Role, limit, offset int) ([]*Staff, int64, error) {
	if !validRoles[role] {
		return nil, 0, apperr.Invalid("membership.ListStaff", "invalid role: "+string(role))
	}
	staff, err := s.staff.List(ctx, role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.staff.Count(ctx, role)
	if err != nil {
		return nil, 0, err
	}
	return staff, total, nil
}

// AssignStaff writes a snapshot of the staff member into the member's team
// slot. Doctor and navigator counters are recomputed from members for both
// the new and the replaced staff member.
func (s *Service) AssignStaff(ctx context.Context, memberID string, role Role, staffID string) error {
	if !validRoles[role] {
		return apperr.Invalid("membership.AssignStaff", "invalid role: "+string(role))
	}
	st, err := s.staff.GetByID(ctx, role, staffID)
	if err != nil {
		return err
	}
	previous, err := s.assign(ctx, memberID, role, st)
	if err != nil {
		return err
	}
	if !role.Counted() {
		return nil
	}
	if err := s.recount(ctx, role, staffID); err != nil {
		return err
	}
	if previous != "" && previous != staffID {
		return s.recountIfExists(ctx, role, previous)
	}
	return nil
}

// assign returns the id of the staff member previously in the slot.
func (s *Service) assign(ctx context.Context, memberID string, role Role, st *Staff) (string, error) {
	m, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return "", err
	}
	var previous string
	if tm := m.HealthcareTeam.Get(role); tm != nil {
		previous = tm.ID
	}
	snapshot := TeamMember{ID: st.ID, Name: st.Name, AssignedDate: s.now().UTC()}
	if err := s.members.SetTeamMember(ctx, memberID, role, snapshot); err != nil {
		return "", err
	}
	return previous, nil
}

// BulkAssignStaff assigns staffID to every member, continuing past
// individual failures. Counters are recomputed once at the end from the
// member scan, never incremented per member.
func (s *Service) BulkAssignStaff(ctx context.Context, memberIDs []string, role Role, staffID string) (*BulkResult, error) {
	if !validRoles[role] {
		return nil, apperr.Invalid("membership.BulkAssignStaff", "invalid role: "+string(role))
	}
	st, err := s.staff.GetByID(ctx, role, staffID)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Assigned: []string{}, Failed: []BulkFailure{}}
	previous := map[string]bool{}
	seen := map[string]bool{}
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := ctx.Err(); err != nil {
			return result, err
		}

		prev, err := s.assign(ctx, id, role, st)
		if err != nil {
			kind := apperr.KindOf(err)
			if kind == "" {
				kind = "internal"
			}
			result.Failed = append(result.Failed, BulkFailure{MemberID: id, Kind: kind, Reason: err.Error()})
			s.logger.Warn().Err(err).Str("member_id", id).Str("role", string(role)).
				Str("staff_id", staffID).Msg("bulk assignment failed for member")
			continue
		}
		result.Assigned = append(result.Assigned, id)
		if prev != "" && prev != staffID {
			previous[prev] = true
		}
	}

	if !role.Counted() {
		return result, nil
	}
	if err := s.recount(ctx, role, staffID); err != nil {
		return result, err
	}
	prevIDs := make([]string, 0, len(previous))
	for id := range previous {
		prevIDs = append(prevIDs, id)
	}
	sort.Strings(prevIDs)
	for _, id := range prevIDs {
		if err := s.recountIfExists(ctx, role, id); err != nil {
			return result, err
		}
	}
	return result, nil
}

// DeleteStaff refuses while any member references the staff member. The
// check is a fresh count; the cached counter is never consulted.
func (s *Service) DeleteStaff(ctx context.Context, role Role, staffID string) error {
	const op = "membership.DeleteStaff"
	if !validRoles[role] {
		return apperr.Invalid(op, "invalid role: "+string(role))
	}
	st, err := s.staff.GetByID(ctx, role, staffID)
	if err != nil {
		return err
	}
	live, err := s.members.CountByStaff(ctx, role, staffID)
	if err != nil {
		return err
	}
	if live > 0 {
		if role.Counted() && (st.TotalAssignedMembers == nil || *st.TotalAssignedMembers != live) {
			s.logger.Warn().Str("role", string(role)).Str("staff_id", staffID).Int64("live", live).
				Msg("stale assignment counter detected on delete")
		}
		return apperr.New(apperr.KindHasAssignedMembers, op,
			fmt.Sprintf("%d member(s) still assigned", live), staffID)
	}
	return s.staff.Delete(ctx, role, staffID)
}

// StaffAssignment reports the cached and live assignment counts.
func (s *Service) StaffAssignment(ctx context.Context, role Role, staffID string) (*AssignmentStatus, error) {
	if !validRoles[role] {
		return nil, apperr.Invalid("membership.StaffAssignment", "invalid role: "+string(role))
	}
	st, err := s.staff.GetByID(ctx, role, staffID)
	if err != nil {
		return nil, err
	}
	live, err := s.members.CountByStaff(ctx, role, staffID)
	if err != nil {
		return nil, err
	}
	status := &AssignmentStatus{StaffID: staffID, Role: role, Live: live}
	if role.Counted() {
		status.Cached = st.TotalAssignedMembers
		status.Stale = st.TotalAssignedMembers == nil || *st.TotalAssignedMembers != live
	}
	return status, nil
}

func (s *Service) recount(ctx context.Context, role Role, staffID string) error {
	n, err := s.members.CountByStaff(ctx, role, staffID)
	if err != nil {
		return err
	}
	if err := s.staff.SetAssignedCount(ctx, role, staffID, n); err != nil {
		return err
	}
	s.metrics.ObserveRecount(string(role))
	return nil
}

// recountIfExists recounts a staff member that may have been deleted since
// it was referenced.
func (s *Service) recountIfExists(ctx context.Context, role Role, staffID string) error {
	err := s.recount(ctx, role, staffID)
	if apperr.Is(err, apperr.KindNotFound) {
		s.logger.Warn().Str("role", string(role)).Str("staff_id", staffID).
			Msg("referenced staff member no longer exists")
		return nil
	}
	return err
}
