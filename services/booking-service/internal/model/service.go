package model

import (
	"errors"
	"time"
)

type CapacityType string

const (
	CapacitySingle CapacityType = "SINGLE"
	CapacityMulti  CapacityType = "MULTI"
)

// Service is something a business sells a slot of.
type Service struct {
	ID                string
	BusinessID        string
	Name              string
	Duration          time.Duration
	BufferBefore      time.Duration
	BufferAfter       time.Duration
	CapacityType      CapacityType
	MaxClientsPerSlot int
	AllowAnyStaff     bool
}

func (s Service) IsMulti() bool {
	return s.CapacityType == CapacityMulti
}

// Capacity is the number of clients one slot admits.
func (s Service) Capacity() int {
	if s.CapacityType == CapacitySingle || s.MaxClientsPerSlot < 1 {
		return 1
	}
	return s.MaxClientsPerSlot
}

func (s Service) Validate() error {
	if s.Duration <= 0 {
		return errors.New("service duration must be positive")
	}
	if s.BufferBefore < 0 || s.BufferAfter < 0 {
		return errors.New("service buffers must not be negative")
	}
	switch s.CapacityType {
	case CapacitySingle:
		if s.MaxClientsPerSlot != 1 {
			return errors.New("single capacity services take exactly one client per slot")
		}
	case CapacityMulti:
		if s.MaxClientsPerSlot < 1 {
			return errors.New("max clients per slot must be at least 1")
		}
	default:
		return errors.New("unknown capacity type")
	}
	return nil
}

type StaffMember struct {
	ID         string
	BusinessID string
	Name       string
	Active     bool
}

// AvailabilityBlock is either a weekly template (DayOfWeek set) or a
// date-specific override (Date set, "2006-01-02"). Minutes are wall clock
// minutes since local midnight in the business time zone.
type AvailabilityBlock struct {
	ID          string
	StaffID     string
	DayOfWeek   *time.Weekday
	Date        string
	StartMinute int
	EndMinute   int
}

func (b AvailabilityBlock) IsOverride() bool {
	return b.Date != ""
}

const DateLayout = "2006-01-02"
