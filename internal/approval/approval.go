// Package approval implements the sign-off workflow for completed units of work
// (generated reports, jobs) that must be explicitly approved or rejected by a
// human before being released downstream.
//
// A Request is created PENDING and leaves that state exactly once. The Registry
// is the only component that mutates requests; persistence is delegated to a
// Store chosen once at construction.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyDecided  = errors.New("approval already decided")
	ErrPersistence     = errors.New("approval persistence failed")
	ErrInvalidSubject  = errors.New("approval subject is required")
	ErrInvalidApprover = errors.New("approver identity is required")
	ErrNotAssignee     = errors.New("approver is not assigned to this approval")

	ErrInvalidTransition = errors.New("invalid approval transition")
)

// Status is the closed set of approval states. The zero value is not a valid
// status; use ParseStatus to convert external input.
type Status struct {
	name string
}

var (
	StatusPending  = Status{"pending"}
	StatusApproved = Status{"approved"}
	StatusRejected = Status{"rejected"}
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected}

func (s Status) String() string {
	if s.name == "" {
		return "unknown"
	}
	return s.name
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Code returns the compact storage encoding of s.
func (s Status) Code() int16 {
	switch s {
	case StatusPending:
		return 0
	case StatusApproved:
		return 1
	case StatusRejected:
		return 2
	default:
		return -1
	}
}

// StatusFromCode is the inverse of Code.
func StatusFromCode(code int16) (Status, error) {
	for _, s := range Statuses {
		if s.Code() == code {
			return s, nil
		}
	}
	return Status{}, fmt.Errorf("unknown approval status code %d", code)
}

// ParseStatus converts a status name into a Status.
func ParseStatus(name string) (Status, error) {
	for _, s := range Statuses {
		if strings.EqualFold(name, s.name) {
			return s, nil
		}
	}
	return Status{}, fmt.Errorf("unknown approval status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid approval status")
	}
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Request is one pending-or-decided sign-off.
//
// Values handed out by the Registry are snapshots: mutating a returned copy
// has no effect on the registry.
type Request struct {
	ID          int64      `json:"id"`
	Subject     string     `json:"subject"`
	Status      Status     `json:"status"`
	SubmittedBy string     `json:"submitted_by,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"` // Only this identity may decide when set.
	Note        string     `json:"note,omitempty"`        // Context left by the submitter for the approver.
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	Approver    string     `json:"approver,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

// Pending reports whether the request still awaits a decision.
func (r Request) Pending() bool {
	return r.Status == StatusPending
}

// Decision is the single update applied when a request leaves PENDING.
type Decision struct {
	Status    Status
	Approver  string
	Comment   string
	DecidedAt time.Time
}
