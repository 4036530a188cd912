package member

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/organizations/:org/users/:user/account", h.account)
}

func (h *Handler) account(c *gin.Context) {
	ctx := c.Request.Context()
	org, user := c.Param("org"), c.Param("user")

	acc, err := h.store.Get(ctx, org, user)
	if err != nil {
		_ = c.Error(err)
		return
	}

	history, err := h.store.TierHistory(ctx, org, user)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := gin.H{"account": acc, "tier_history": history}
	if next, ok := NextTierThreshold(acc.Tier); ok {
		resp["next_tier_points"] = next
		resp["points_to_next_tier"] = max(next-acc.TotalPoints, 0)
	}
	c.JSON(http.StatusOK, resp)
}
