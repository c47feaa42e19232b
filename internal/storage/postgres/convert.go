package postgres

import (
	"fmt"

	"github.com/jkaninda/signoff/internal/approval"
)

// toApprovalModel maps a new request to a row. The id is left to the database.
func toApprovalModel(req *approval.Request) ApprovalModel {
	return ApprovalModel{
		Subject:     req.Subject,
		Status:      approval.StatusPending.Code(),
		SubmittedBy: req.SubmittedBy,
		AssignedTo:  req.AssignedTo,
		Note:        req.Note,
		CreatedAt:   req.CreatedAt.UTC(),
	}
}

func toApprovalDomain(m *ApprovalModel) (approval.Request, error) {
	status, err := approval.StatusFromCode(m.Status)
	if err != nil {
		return approval.Request{}, fmt.Errorf("approval %d: %w", m.ID, err)
	}
	req := approval.Request{
		ID:          m.ID,
		Subject:     m.Subject,
		Status:      status,
		SubmittedBy: m.SubmittedBy,
		AssignedTo:  m.AssignedTo,
		Note:        m.Note,
		CreatedAt:   m.CreatedAt.UTC(),
		Approver:    m.Approver,
		Comment:     m.Comment,
	}
	if m.DecidedAt != nil {
		t := m.DecidedAt.UTC()
		req.DecidedAt = &t
	}
	return req, nil
}
