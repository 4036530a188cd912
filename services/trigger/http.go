package trigger

import (
	"net/http"

	"loyalty-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// ActorHeader names the admin performing a change. Authentication happens
// upstream; the value is recorded as-is.
const ActorHeader = "X-Actor-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/organizations/:org/triggers")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:trigger", h.get)
	g.PUT("/:trigger", h.update)
	g.POST("/:trigger/deactivate", h.deactivate)
}

func (h *Handler) create(c *gin.Context) {
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	t, err := h.svc.Create(c.Request.Context(), c.Param("org"), c.GetHeader(ActorHeader), in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) list(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	resp, err := h.svc.List(c.Request.Context(), c.Param("org"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("org"), c.Param("trigger"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) update(c *gin.Context) {
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	t, err := h.svc.Update(c.Request.Context(), c.Param("org"), c.Param("trigger"), in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) deactivate(c *gin.Context) {
	t, err := h.svc.Deactivate(c.Request.Context(), c.Param("org"), c.Param("trigger"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}
