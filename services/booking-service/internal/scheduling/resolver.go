package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

type StaffLister interface {
	ListAssignedStaff(ctx context.Context, businessID, serviceID string) ([]model.StaffMember, error)
	ListActiveStaff(ctx context.Context, businessID string) ([]model.StaffMember, error)
}

type Resolver struct {
	staff    StaffLister
	detector *Detector
}

func NewResolver(staff StaffLister, detector *Detector) *Resolver {
	return &Resolver{staff: staff, detector: detector}
}

// EligibleStaff returns the staff assigned to svc, or every active staff
// member when svc allows any staff and has no assignments. Sorted by id.
func (r *Resolver) EligibleStaff(ctx context.Context, svc model.Service) ([]model.StaffMember, error) {
	assigned, err := r.staff.ListAssignedStaff(ctx, svc.BusinessID, svc.ID)
	if err != nil {
		return nil, err
	}
	if len(assigned) > 0 || !svc.AllowAnyStaff {
		return assigned, nil
	}
	return r.staff.ListActiveStaff(ctx, svc.BusinessID)
}

// ResolveStaffAssignment turns a booking request into a concrete staff id. An
// eligible preferred staff member wins; otherwise, for services that allow any
// staff, the first eligible member free for [start, end) is chosen.
func (r *Resolver) ResolveStaffAssignment(ctx context.Context, svc model.Service, preferredStaffID, businessID string, start, end time.Time) (string, error) {
	eligible, err := r.EligibleStaff(ctx, svc)
	if err != nil {
		return "", err
	}
	if preferredStaffID != "" {
		for _, m := range eligible {
			if m.ID == preferredStaffID {
				return m.ID, nil
			}
		}
		if !svc.AllowAnyStaff {
			return "", &SchedulingError{Reason: "staff member cannot perform this service"}
		}
	}
	if !svc.AllowAnyStaff {
		return "", &SchedulingError{Reason: "a staff member must be chosen for this service"}
	}

	for _, m := range eligible {
		err := r.detector.CheckConflicts(ctx, businessID, m.ID, svc, start, end, "")
		if err == nil {
			return m.ID, nil
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return "", err
		}
	}
	return "", &SchedulingError{Reason: "no staff member is available at the requested time"}
}
