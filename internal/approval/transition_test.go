package approval

import (
	"errors"
	"testing"
	"time"
)

func pendingRequest() Request {
	return Request{
		ID:        7,
		Subject:   "report-42",
		Status:    StatusPending,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTransition_FromPending(t *testing.T) {
	at := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	for _, target := range []Status{StatusApproved, StatusRejected} {
		t.Run(target.String(), func(t *testing.T) {
			cur := pendingRequest()
			next, outcome := Transition(cur, target, "bob", "looks good", at)
			if outcome != OutcomeApplied {
				t.Fatalf("outcome = %v, want applied", outcome)
			}
			if next.Status != target {
				t.Errorf("status = %v, want %v", next.Status, target)
			}
			if next.DecidedAt == nil || !next.DecidedAt.Equal(at) {
				t.Errorf("decided_at = %v, want %v", next.DecidedAt, at)
			}
			if next.Approver != "bob" || next.Comment != "looks good" {
				t.Errorf("approver/comment = %q/%q", next.Approver, next.Comment)
			}
			if next.ID != cur.ID || next.Subject != cur.Subject || !next.CreatedAt.Equal(cur.CreatedAt) {
				t.Error("write-once fields changed")
			}
			if cur.Status != StatusPending || cur.DecidedAt != nil {
				t.Error("input request was modified")
			}
		})
	}
}

func TestTransition_Illegal(t *testing.T) {
	at := time.Now()
	decided, _ := Transition(pendingRequest(), StatusApproved, "bob", "", at)

	tests := []struct {
		name   string
		cur    Request
		target Status
		want   Outcome
	}{
		{"approved to rejected", decided, StatusRejected, OutcomeNotPending},
		{"approved to approved", decided, StatusApproved, OutcomeNotPending},
		{"back to pending", decided, StatusPending, OutcomeInvalidTarget},
		{"pending to pending", pendingRequest(), StatusPending, OutcomeInvalidTarget},
		{"zero target", pendingRequest(), Status{}, OutcomeInvalidTarget},
		{"corrupt current", Request{ID: 1}, StatusApproved, OutcomeNotPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, outcome := Transition(tt.cur, tt.target, "carol", "no", at)
			if outcome != tt.want {
				t.Fatalf("outcome = %v, want %v", outcome, tt.want)
			}
			if next.Status != tt.cur.Status || next.Approver != tt.cur.Approver {
				t.Error("rejected transition must not change the record")
			}
		})
	}
}

func TestOutcome_Err(t *testing.T) {
	if OutcomeApplied.Err() != nil {
		t.Error("applied must map to nil")
	}
	if !errors.Is(OutcomeNotFound.Err(), ErrNotFound) {
		t.Error("not found must map to ErrNotFound")
	}
	if !errors.Is(OutcomeNotPending.Err(), ErrAlreadyDecided) {
		t.Error("not pending must map to ErrAlreadyDecided")
	}
	if !errors.Is(OutcomeInvalidTarget.Err(), ErrInvalidTransition) {
		t.Error("invalid target must map to ErrInvalidTransition")
	}
}

// --- Status ---

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("APPROVED"); err != nil {
		t.Errorf("parse is case-insensitive: %v", err)
	}
	for _, bad := range []string{"", "aproved", "onaylandi"} {
		if _, err := ParseStatus(bad); err == nil {
			t.Errorf("ParseStatus(%q) should fail", bad)
		}
	}
}

func TestStatus_Codes(t *testing.T) {
	for _, s := range Statuses {
		got, err := StatusFromCode(s.Code())
		if err != nil || got != s {
			t.Errorf("StatusFromCode(%d) = %v, %v", s.Code(), got, err)
		}
	}
	if _, err := StatusFromCode(9); err == nil {
		t.Error("unknown code should fail")
	}
	if (Status{}).Valid() {
		t.Error("zero status must be invalid")
	}
	if !StatusApproved.Terminal() || !StatusRejected.Terminal() || StatusPending.Terminal() {
		t.Error("terminal set is approved and rejected")
	}
}

func TestStatus_Text(t *testing.T) {
	b, err := StatusRejected.MarshalText()
	if err != nil || string(b) != "rejected" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	var s Status
	if err := s.UnmarshalText([]byte("pending")); err != nil || s != StatusPending {
		t.Fatalf("UnmarshalText = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("draft")); err == nil {
		t.Error("unknown status must not unmarshal")
	}
	if _, err := (Status{}).MarshalText(); err == nil {
		t.Error("zero status must not marshal")
	}
}
