package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradedesk/internal/broker"
	"tradedesk/internal/cache"
)

// PortfolioHandler serves broker snapshots through the cache. These
// endpoints are display surfaces; risk approval and reconciliation always
// bypass them and read the broker directly.
type PortfolioHandler struct {
	Pool  *broker.Pool
	Cache *cache.MultiLayer
}

func (h *PortfolioHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/portfolio", h.portfolio)
	r.GET("/api/v1/orders/open", h.openOrders)
}

func (h *PortfolioHandler) portfolio(c *gin.Context) {
	if h.Pool == nil || h.Cache == nil {
		Error(c, http.StatusServiceUnavailable, "broker unavailable", nil)
		return
	}
	snap, err := h.Cache.GetPortfolio(c.Request.Context(), func(ctx context.Context) (*cache.PortfolioSnapshot, error) {
		var out cache.PortfolioSnapshot
		err := h.Pool.With(ctx, func(gw broker.Gateway) error {
			positions, err := gw.GetPositions(ctx)
			if err != nil {
				return err
			}
			account, err := gw.GetAccount(ctx)
			if err != nil {
				return err
			}
			out.Positions = positions
			out.Account = *account
			return nil
		})
		if err != nil {
			return nil, err
		}
		out.FetchedAt = nowUTC()
		return &out, nil
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, snap, map[string]any{"fetched_at": snap.FetchedAt})
}

func (h *PortfolioHandler) openOrders(c *gin.Context) {
	if h.Pool == nil || h.Cache == nil {
		Error(c, http.StatusServiceUnavailable, "broker unavailable", nil)
		return
	}
	snap, err := h.Cache.GetOrders(c.Request.Context(), func(ctx context.Context) ([]broker.LiveOrder, error) {
		var out []broker.LiveOrder
		err := h.Pool.With(ctx, func(gw broker.Gateway) error {
			var gerr error
			out, gerr = gw.GetOpenOrders(ctx)
			return gerr
		})
		return out, err
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, snap.Orders, map[string]any{"fetched_at": snap.FetchedAt})
}
