package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/reconcile"
)

// Reconciler is the reconciliation surface the HTTP layer uses.
type Reconciler interface {
	Analyze(ctx context.Context, hoursBack int) (*reconcile.Report, error)
	AutoFix(ctx context.Context, items []models.Discrepancy) (*reconcile.FixReport, error)
	Health(ctx context.Context, window time.Duration) (*reconcile.HealthReport, error)
}

var _ Reconciler = (*reconcile.Engine)(nil)

type ReconciliationHandler struct {
	Engine Reconciler
	Logger *slog.Logger
}

const defaultHoursBack = 24

type analyzeBody struct {
	HoursBack int `json:"hours_back"`
}

// Analyze serves POST /v1/admin/reconciliation/analyze.
func (h *ReconciliationHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "reconcile_analyze", err)
		return
	}
	if body.HoursBack == 0 {
		body.HoursBack = defaultHoursBack
	}
	rep, err := h.Engine.Analyze(r.Context(), body.HoursBack)
	if err != nil {
		writeError(w, h.Logger, "reconcile_analyze", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type fixBody struct {
	HoursBack   int      `json:"hours_back"`
	ProviderIDs []string `json:"provider_ids"`
}

type fixResponse struct {
	Summary reconcile.Summary    `json:"summary"`
	Fix     *reconcile.FixReport `json:"fix"`
}

// Fix serves POST /v1/admin/reconciliation/fix. Discrepancies are recomputed
// here rather than taken from the body; provider_ids only narrows which of
// them to repair. Items that need manual review are left out of the fix.
func (h *ReconciliationHandler) Fix(w http.ResponseWriter, r *http.Request) {
	var body fixBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "reconcile_fix", err)
		return
	}
	if body.HoursBack == 0 {
		body.HoursBack = defaultHoursBack
	}
	rep, err := h.Engine.Analyze(r.Context(), body.HoursBack)
	if err != nil {
		writeError(w, h.Logger, "reconcile_fix", err)
		return
	}
	selected := rep.Discrepancies
	if len(body.ProviderIDs) > 0 {
		want := make(map[string]bool, len(body.ProviderIDs))
		for _, id := range body.ProviderIDs {
			want[id] = true
		}
		selected = selected[:0:0]
		for _, d := range rep.Discrepancies {
			if want[d.ProviderID] {
				selected = append(selected, d)
			}
		}
	}
	fix, err := h.Engine.AutoFix(r.Context(), reconcile.FixableOnly(selected))
	if err != nil {
		writeError(w, h.Logger, "reconcile_fix", err)
		return
	}
	writeJSON(w, http.StatusOK, fixResponse{Summary: rep.Summary, Fix: fix})
}

// Health serves GET /v1/admin/reconciliation/health?hours=N.
func (h *ReconciliationHandler) Health(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 0)
	if err != nil {
		writeError(w, h.Logger, "reconcile_health", err)
		return
	}
	rep, err := h.Engine.Health(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, h.Logger, "reconcile_health", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
