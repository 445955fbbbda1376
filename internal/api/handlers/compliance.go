package handlers

import (
	"context"
	"net/http"

	"github.com/drfirst/go-rxcore/internal/domain/compliance"
)

// ComplianceService produces the regulatory summary.
type ComplianceService interface {
	ComplianceSummary(ctx context.Context) compliance.Summary
}

// ComplianceSummary handles GET /compliance/summary.
func ComplianceSummary(svc ComplianceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ComplianceSummary(r.Context()))
	}
}
