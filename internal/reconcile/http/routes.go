package reconcilehttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/reconciler/internal/platform/httpx"
)

// MountRoutes registers reconciliation endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(120, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)

	r.Get("/invoices/{id}/match", h.handleLatestMatch)
	r.Get("/documents/{type}/{id}/approvals", h.handleApprovalLogs)
	r.Get("/approval-instances/{id}", h.handleGetInstance)
	r.Post("/distributions/validate", h.handleValidateDistribution)

	r.Group(func(gr chi.Router) {
		gr.Use(limiter, requireActor)
		gr.Post("/payments/{id}/allocations", h.handleAllocate)
		gr.Delete("/payments/{id}/allocations", h.handleClearAllocations)
		gr.Post("/invoices/{id}/match", h.handleRunMatch)
		gr.Post("/purchase-orders/{id}/receipt-progress", h.handleReceiptProgress)

		gr.Post("/documents/{type}/{id}/submit", h.handleSubmit)
		gr.Post("/documents/{type}/{id}/edit", h.handleEdit)
		gr.Post("/documents/{type}/{id}/post", h.handlePost)
		gr.Post("/documents/{type}/{id}/reopen", h.handleTransition(h.engine.Reopen))
		gr.Post("/documents/{type}/{id}/confirm", h.handleTransition(h.engine.Confirm))
		gr.Post("/documents/{type}/{id}/close", h.handleTransition(h.engine.Close))
		gr.Post("/documents/{type}/{id}/cancel-delivery", h.handleReasonTransition(h.engine.CancelDelivery))
		gr.Post("/documents/{type}/{id}/cancel", h.handleReasonTransition(h.engine.Cancel))
		gr.Delete("/documents/{type}/{id}", h.handleDelete)

		gr.Post("/approval-steps/{stepID}/approve", h.handleApproveStep)
		gr.Post("/approval-steps/{stepID}/reject", h.handleRejectStep)
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor(r) == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", ActorHeader+" header required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return "actor:" + a, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
