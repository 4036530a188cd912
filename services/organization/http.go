package organization

import (
	"net/http"

	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/organizations")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:org", h.get)
	g.PATCH("/:org/timezone", h.updateTimezone)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	org, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, org)
}

func (h *Handler) get(c *gin.Context) {
	org, err := h.svc.Get(c.Request.Context(), c.Param("org"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, org)
}

func (h *Handler) list(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	orgs, info, err := h.svc.List(c.Request.Context(), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": orgs, "page_info": info})
}

func (h *Handler) updateTimezone(c *gin.Context) {
	var body struct {
		Timezone string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	org, err := h.svc.UpdateTimezone(c.Request.Context(), c.Param("org"), body.Timezone)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, org)
}
