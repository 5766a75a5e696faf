package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

func (s *Store) GetService(ctx context.Context, businessID, serviceID string) (model.Service, error) {
	var (
		svc                     model.Service
		duration, before, after int
		capacityType            string
	)
	err := s.q.QueryRow(ctx, `
		SELECT id, business_id, name, duration_minutes, buffer_before_minutes, buffer_after_minutes,
			capacity_type, max_clients_per_slot, allow_any_staff
		FROM services
		WHERE id = $1 AND business_id = $2
	`, serviceID, businessID).Scan(&svc.ID, &svc.BusinessID, &svc.Name, &duration, &before, &after,
		&capacityType, &svc.MaxClientsPerSlot, &svc.AllowAnyStaff)
	if err != nil {
		return model.Service{}, mapErr(err)
	}
	svc.Duration = time.Duration(duration) * time.Minute
	svc.BufferBefore = time.Duration(before) * time.Minute
	svc.BufferAfter = time.Duration(after) * time.Minute
	svc.CapacityType = model.CapacityType(capacityType)
	return svc, nil
}

func (s *Store) LockService(ctx context.Context, businessID, serviceID string) error {
	var one int
	err := s.q.QueryRow(ctx, `
		SELECT 1 FROM services WHERE id = $1 AND business_id = $2 FOR UPDATE
	`, serviceID, businessID).Scan(&one)
	return mapErr(err)
}

func (s *Store) GetStaff(ctx context.Context, businessID, staffID string) (model.StaffMember, error) {
	var m model.StaffMember
	err := s.q.QueryRow(ctx, `
		SELECT id, business_id, name, active FROM staff_members WHERE id = $1 AND business_id = $2
	`, staffID, businessID).Scan(&m.ID, &m.BusinessID, &m.Name, &m.Active)
	return m, mapErr(err)
}

func (s *Store) ListAssignedStaff(ctx context.Context, businessID, serviceID string) ([]model.StaffMember, error) {
	return s.listStaff(ctx, `
		SELECT m.id, m.business_id, m.name, m.active
		FROM service_staff ss
		JOIN staff_members m ON m.id = ss.staff_id
		WHERE ss.service_id = $1 AND m.business_id = $2 AND m.active
		ORDER BY m.id
	`, serviceID, businessID)
}

func (s *Store) ListActiveStaff(ctx context.Context, businessID string) ([]model.StaffMember, error) {
	return s.listStaff(ctx, `
		SELECT id, business_id, name, active FROM staff_members
		WHERE business_id = $1 AND active
		ORDER BY id
	`, businessID)
}

func (s *Store) listStaff(ctx context.Context, sql string, args ...any) ([]model.StaffMember, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StaffMember, error) {
		var m model.StaffMember
		err := row.Scan(&m.ID, &m.BusinessID, &m.Name, &m.Active)
		return m, err
	})
}

func (s *Store) ListAvailabilityBlocks(ctx context.Context, staffID string) ([]model.AvailabilityBlock, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, staff_id, day_of_week, COALESCE(to_char(block_date, 'YYYY-MM-DD'), ''), start_minute, end_minute
		FROM availability_blocks
		WHERE staff_id = $1
		ORDER BY start_minute
	`, staffID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AvailabilityBlock, error) {
		var (
			b   model.AvailabilityBlock
			dow *int16
		)
		if err := row.Scan(&b.ID, &b.StaffID, &dow, &b.Date, &b.StartMinute, &b.EndMinute); err != nil {
			return b, err
		}
		if dow != nil {
			wd := time.Weekday(*dow)
			b.DayOfWeek = &wd
		}
		return b, nil
	})
}
