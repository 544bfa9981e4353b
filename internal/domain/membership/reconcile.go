package membership

import (
	"context"
	"time"

	"github.com/ehr/carecore/internal/platform/apperr"
	"github.com/ehr/carecore/internal/platform/db"
	"github.com/ehr/carecore/internal/platform/lease"
)

const (
	DefaultReconcileBatchSize = 200
	DefaultReconcileLeaseTTL  = 5 * time.Minute
)

// ReconcileReport counts what a sweep repaired.
type ReconcileReport struct {
	MembersScanned    int `json:"members_scanned"`
	BacklinksAdded    int `json:"backlinks_added"`
	BacklinksRemoved  int `json:"backlinks_removed"`
	DanglingPrimaries int `json:"dangling_primaries_cleared"`
	StaffScanned      int `json:"staff_scanned"`
	CountersUpdated   int `json:"counters_updated"`
}

// SetReconcileOptions overrides the page size and lease TTL; zero values
// keep the current settings.
func (s *Service) SetReconcileOptions(batchSize int, leaseTTL time.Duration) {
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if leaseTTL > 0 {
		s.leaseTTL = leaseTTL
	}
}

// SetLocker installs the lease used to keep reconcilers exclusive.
func (s *Service) SetLocker(l lease.Locker) {
	if l != nil {
		s.locker = l
	}
}

// Reconcile sweeps every member of the context's tenant. A sub-profile's
// primaryMemberId wins over its primary's list: missing reverse entries are
// added, entries the sub-profile does not confirm are removed, and pointers
// to deleted primaries are cleared. Afterwards every doctor and navigator
// counter is recomputed. Returns lease.ErrNotAcquired when another process
// is already reconciling the tenant.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	tenant := db.TenantOrDefault(ctx)
	release, err := s.locker.Acquire(ctx, "reconcile:"+tenant, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("tenant", tenant).Msg("release reconcile lease")
		}
	}()

	start := s.now()
	report := &ReconcileReport{}
	err = s.reconcileLinks(ctx, report)
	if err == nil {
		err = s.reconcileCounters(ctx, report)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObserveReconcile(result, s.now().Sub(start))
	s.metrics.ObserveRepairs("backlink_added", report.BacklinksAdded)
	s.metrics.ObserveRepairs("backlink_removed", report.BacklinksRemoved)
	s.metrics.ObserveRepairs("dangling_primary", report.DanglingPrimaries)
	s.metrics.ObserveRepairs("stale_counter", report.CountersUpdated)

	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Error().Err(err)
	}
	evt.Str("tenant", tenant).
		Int("members_scanned", report.MembersScanned).
		Int("backlinks_added", report.BacklinksAdded).
		Int("backlinks_removed", report.BacklinksRemoved).
		Int("dangling_primaries", report.DanglingPrimaries).
		Int("staff_scanned", report.StaffScanned).
		Int("counters_updated", report.CountersUpdated).
		Msg("reconciliation finished")
	return report, err
}

func (s *Service) reconcileLinks(ctx context.Context, report *ReconcileReport) error {
	for offset := 0; ; {
		batch, err := s.members.List(ctx, s.batchSize, offset)
		if err != nil {
			return err
		}
		for _, m := range batch {
			if err := s.reconcileMember(ctx, m, report); err != nil {
				return err
			}
			report.MembersScanned++
		}
		if len(batch) < s.batchSize {
			return nil
		}
		offset += len(batch)
	}
}

func (s *Service) reconcileMember(ctx context.Context, m *Member, report *ReconcileReport) error {
	if m.IsSubprofile() {
		primaryID := *m.PrimaryMemberID
		primary, err := s.members.GetByID(ctx, primaryID)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			if err := s.members.SetPrimary(ctx, m.ID, nil); err != nil {
				return err
			}
			report.DanglingPrimaries++
		case err != nil:
			return err
		default:
			if primary.IsSubprofile() {
				s.logger.Warn().Str("member_id", m.ID).Str("primary_id", primaryID).
					Msg("sub-profile attached to another sub-profile")
			}
			if !primary.HasSubprofile(m.ID) {
				if err := s.members.AddSubprofile(ctx, primaryID, m.ID); err != nil {
					return err
				}
				report.BacklinksAdded++
			}
		}
	}

	for _, subID := range m.SubprofileIDs {
		sub, err := s.members.GetByID(ctx, subID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		if sub != nil && sub.IsSubprofile() && *sub.PrimaryMemberID == m.ID {
			continue
		}
		if err := s.members.RemoveSubprofile(ctx, m.ID, subID); err != nil {
			return err
		}
		report.BacklinksRemoved++
	}
	return nil
}

func (s *Service) reconcileCounters(ctx context.Context, report *ReconcileReport) error {
	for _, role := range []Role{RoleDoctor, RoleNavigator} {
		for offset := 0; ; {
			batch, err := s.staff.List(ctx, role, s.batchSize, offset)
			if err != nil {
				return err
			}
			for _, st := range batch {
				live, err := s.members.CountByStaff(ctx, role, st.ID)
				if err != nil {
					return err
				}
				report.StaffScanned++
				if st.TotalAssignedMembers != nil && *st.TotalAssignedMembers == live {
					continue
				}
				err = s.staff.SetAssignedCount(ctx, role, st.ID, live)
				if apperr.Is(err, apperr.KindNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				report.CountersUpdated++
			}
			if len(batch) < s.batchSize {
				break
			}
			offset += len(batch)
		}
	}
	return nil
}
