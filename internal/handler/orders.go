package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/executor"
	"tradedesk/internal/reconciler"
	"tradedesk/internal/repository"
)

type OrderHandler struct {
	Repo       repository.Repository
	Executor   *executor.Executor
	Reconciler *reconciler.Reconciler
}

func (h *OrderHandler) Register(r *gin.Engine) {
	o := r.Group("/api/v1/orders")
	o.GET("", h.list)
	o.GET("/stats", h.stats)
	o.GET("/:id", h.get)
	o.POST("/:id/cancel", h.cancel)

	r.GET("/api/v1/brackets", h.brackets)
	r.GET("/api/v1/conflicts", h.conflicts)
	r.POST("/api/v1/reconcile", h.reconcile)
}

func (h *OrderHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListPendingOrdersParams{
		Limit:    limit,
		Offset:   offset,
		Symbol:   strQueryPtr(c, "symbol"),
		Status:   strQueryPtr(c, "status"),
		External: boolQueryPtr(c, "external"),
		OrderBy:  "created_at",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListPendingOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountPendingOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *OrderHandler) stats(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	ctx := c.Request.Context()
	byStatus, err := h.Repo.CountPendingOrdersByStatus(ctx)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	conflicts, err := h.Repo.CountUnresolvedConflicts(ctx)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	brackets, err := h.Repo.CountBracketGroups(ctx)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	external, err := h.Repo.CountPendingOrders(ctx, repository.ListPendingOrdersParams{External: boolPtr(true)})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	stats := gin.H{
		"by_status":            byStatus,
		"unresolved_conflicts": conflicts,
		"bracket_groups":       brackets,
		"external_orders":      external,
	}
	if h.Reconciler != nil {
		if last := h.Reconciler.LastRun(); !last.IsZero() {
			stats["last_reconciled_at"] = last
		}
	}
	Ok(c, stats, nil)
}

func (h *OrderHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	item, err := h.Repo.GetPendingOrderByOrderID(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "order not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *OrderHandler) cancel(c *gin.Context) {
	if h.Executor == nil {
		Error(c, http.StatusServiceUnavailable, "executor unavailable", nil)
		return
	}
	orderID := c.Param("id")
	if err := h.Executor.CancelOrder(c.Request.Context(), orderID); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	item, _ := h.Repo.GetPendingOrderByOrderID(c.Request.Context(), orderID)
	Ok(c, item, nil)
}

func (h *OrderHandler) brackets(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListBracketGroups(c.Request.Context(), limit, offset)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountBracketGroups(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *OrderHandler) conflicts(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	unresolvedOnly := true
	if v := boolQueryPtr(c, "unresolved_only"); v != nil {
		unresolvedOnly = *v
	}
	items, err := h.Repo.ListConflicts(c.Request.Context(), repository.ListConflictsParams{
		Limit:          limit,
		Offset:         offset,
		UnresolvedOnly: unresolvedOnly,
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *OrderHandler) reconcile(c *gin.Context) {
	if h.Reconciler == nil {
		Error(c, http.StatusServiceUnavailable, "reconciler unavailable", nil)
		return
	}
	h.Reconciler.Trigger()
	Ok(c, gin.H{"triggered": true}, nil)
}
