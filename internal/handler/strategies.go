package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/gate"
	"tradedesk/internal/repository"
)

type StrategyHandler struct {
	Gate *gate.Gate
}

func (h *StrategyHandler) Register(r *gin.Engine) {
	s := r.Group("/api/v1/strategies")
	s.POST("", h.propose)
	s.GET("", h.list)
	s.GET("/:id", h.get)
	s.POST("/:id/initiate", h.initiate)
	s.POST("/:id/confirm", h.confirm)
	s.POST("/:id/cancel", h.cancel)
}

func (h *StrategyHandler) propose(c *gin.Context) {
	if h.Gate == nil {
		Error(c, http.StatusServiceUnavailable, "gate unavailable", nil)
		return
	}
	var req gate.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	st, err := h.Gate.Propose(c.Request.Context(), req)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, st, nil)
}

func (h *StrategyHandler) list(c *gin.Context) {
	if h.Gate == nil {
		Error(c, http.StatusServiceUnavailable, "gate unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListStrategiesParams{
		Limit:   limit,
		Offset:  offset,
		Status:  strQueryPtr(c, "status"),
		OrderBy: "created_at",
		Asc:     boolPtr(false),
	}
	items, total, err := h.Gate.List(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *StrategyHandler) get(c *gin.Context) {
	st, err := h.Gate.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.gateError(c, err)
		return
	}
	Ok(c, st, nil)
}

func (h *StrategyHandler) initiate(c *gin.Context) {
	st, err := h.Gate.Initiate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.gateError(c, err)
		return
	}
	Ok(c, st, nil)
}

func (h *StrategyHandler) confirm(c *gin.Context) {
	st, err := h.Gate.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.gateError(c, err)
		return
	}
	Ok(c, st, nil)
}

func (h *StrategyHandler) cancel(c *gin.Context) {
	st, err := h.Gate.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.gateError(c, err)
		return
	}
	Ok(c, st, nil)
}

func (h *StrategyHandler) gateError(c *gin.Context, err error) {
	var transition *gate.ErrInvalidTransition
	switch {
	case errors.Is(err, gate.ErrNotFound):
		Error(c, http.StatusNotFound, "strategy not found", nil)
	case errors.Is(err, gate.ErrValidationFailed), errors.Is(err, gate.ErrRiskRejected):
		Error(c, http.StatusUnprocessableEntity, err.Error(), nil)
	case errors.Is(err, gate.ErrRiskUnavailable):
		Error(c, http.StatusServiceUnavailable, err.Error(), nil)
	case errors.As(err, &transition):
		Error(c, http.StatusConflict, transition.Error(), nil)
	default:
		Error(c, http.StatusBadGateway, err.Error(), nil)
	}
}
