package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

const appointmentColumns = `id, business_id, service_id, COALESCE(staff_id, ''), COALESCE(customer_id, ''),
	start_time, end_time, status, source, metadata, COALESCE(idempotency_key, ''), created_at, updated_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a              model.Appointment
		status, source string
		meta           []byte
	)
	err := row.Scan(&a.ID, &a.BusinessID, &a.ServiceID, &a.StaffID, &a.CustomerID,
		&a.StartTime, &a.EndTime, &status, &source, &meta, &a.IdempotencyKey, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.AppointmentStatus(status)
	a.Source = model.Source(source)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return model.Appointment{}, err
		}
	}
	return a, nil
}

func (s *Store) ListOverlappingAppointments(ctx context.Context, f storage.AppointmentFilter) ([]model.Appointment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE business_id = $1
			AND status <> 'CANCELLED'
			AND ($2 = '' OR staff_id = $2)
			AND ($3 = '' OR service_id = $3)
			AND ($6 = '' OR id <> $6)
			AND start_time < $5
			AND end_time > $4
		ORDER BY start_time ASC
	`, f.BusinessID, f.StaffID, f.ServiceID, f.Start, f.End, f.ExcludeID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Appointment, error) {
		return scanAppointment(row)
	})
}

func (s *Store) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(s.q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	return a, mapErr(err)
}

func (s *Store) GetAppointmentByIdempotencyKey(ctx context.Context, businessID, key string) (model.Appointment, error) {
	a, err := scanAppointment(s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+` FROM appointments WHERE business_id = $1 AND idempotency_key = $2
	`, businessID, key))
	return a, mapErr(err)
}

func (s *Store) CreateAppointment(ctx context.Context, appt *model.Appointment) error {
	meta, err := json.Marshal(appt.Metadata)
	if err != nil {
		return err
	}
	err = s.q.QueryRow(ctx, `
		INSERT INTO appointments
			(business_id, service_id, staff_id, customer_id, start_time, end_time, status, source, metadata,
			 idempotency_key, exclusive)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			COALESCE((SELECT capacity_type = 'SINGLE' FROM services WHERE id = $2), true))
		RETURNING id, created_at, updated_at
	`, appt.BusinessID, appt.ServiceID, nullIfEmpty(appt.StaffID), nullIfEmpty(appt.CustomerID),
		appt.StartTime, appt.EndTime, string(appt.Status), string(appt.Source), meta,
		nullIfEmpty(appt.IdempotencyKey)).Scan(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)
	return mapErr(err)
}

func (s *Store) UpdateAppointmentTimes(ctx context.Context, id string, start, end time.Time) error {
	return expectOne(s.q.Exec(ctx, `
		UPDATE appointments SET start_time = $2, end_time = $3, updated_at = now() WHERE id = $1
	`, id, start, end))
}

func (s *Store) UpdateAppointmentStatus(ctx context.Context, id string, status model.AppointmentStatus) error {
	return expectOne(s.q.Exec(ctx, `
		UPDATE appointments SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(status)))
}

func (s *Store) UpdateAppointmentMetadata(ctx context.Context, id string, meta model.AppointmentMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return expectOne(s.q.Exec(ctx, `
		UPDATE appointments SET metadata = $2, updated_at = now() WHERE id = $1
	`, id, raw))
}
