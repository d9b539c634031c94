// Package handler serves the agent's local control API to the mobile UI.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fieldtrack/internal/attendance"
	"fieldtrack/internal/connectivity"
	"fieldtrack/internal/failsafe"
	"fieldtrack/internal/history"
	"fieldtrack/internal/queue"
	"fieldtrack/internal/tracking"
)

// Deps wires the handler to the agent's components.
type Deps struct {
	Session  *attendance.Session
	Queue    *queue.Queue
	Bridge   *tracking.Bridge
	Failsafe *failsafe.Controller
	Pager    *history.Pager
	Monitor  *connectivity.Monitor
	Logger   *slog.Logger

	// Ticks receives location points posted by the background daemon.
	Ticks func(attendance.LocationPoint)

	// OnLogin installs a fresh token pair from the UI's login flow.
	OnLogin func(access, refresh string)

	// OnLogout runs after the emergency failsafe, for example to drop tokens.
	OnLogout func()
}

type Handler struct {
	Deps
	log *slog.Logger
}

func New(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	if d.Ticks == nil && d.Bridge != nil {
		d.Ticks = d.Bridge.OnLocationTick
	}
	return &Handler{Deps: d, log: log.With("component", "handler")}
}

// Register mounts the /v1 routes on r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/session", h.GetSession)
	v1.POST("/session/refresh", h.RefreshSession)
	v1.POST("/checkin", h.CheckIn)
	v1.POST("/checkout", h.CheckOut)
	v1.POST("/login", h.Login)
	v1.POST("/logout", h.Logout)
	v1.GET("/tracking", h.GetTracking)
	v1.POST("/tracking/ticks", h.PostTicks)
	v1.GET("/queue", h.GetQueue)
	v1.POST("/queue/drain", h.DrainQueue)
	v1.DELETE("/queue", h.ClearQueue)
	v1.POST("/connectivity", h.SetConnectivity)
	v1.GET("/history", h.GetHistory)
	v1.POST("/history/more", h.LoadMoreHistory)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"online":   h.Monitor != nil && h.Monitor.Online(),
		"tracking": h.Bridge != nil && h.Bridge.IsActive(),
		"queue":    h.Queue.Len(),
	})
}

// ---------- Session ----------

type sessionView struct {
	attendance.State
	Employee       attendance.Employee `json:"employee"`
	LocationPoints int                 `json:"locationPoints"`
	QueueLength    int                 `json:"queueLength"`
}

func (h *Handler) sessionView() sessionView {
	return sessionView{
		State:          h.Session.State(),
		Employee:       h.Session.Employee(),
		LocationPoints: len(h.Session.Locations()),
		QueueLength:    h.Queue.Len(),
	}
}

func (h *Handler) GetSession(c *gin.Context) {
	ok(c, h.sessionView())
}

// RefreshSession reconciles with the tracking daemon and the server.
func (h *Handler) RefreshSession(c *gin.Context) {
	ctx := c.Request.Context()
	if h.Bridge != nil {
		h.Bridge.CheckStatus(ctx)
	}
	if _, err := h.Session.RefreshStatus(ctx); err != nil {
		h.log.Warn("status refresh failed", "error", err)
		fail(c, statusFor(err), err.Error())
		return
	}
	ok(c, h.sessionView())
}

func (h *Handler) CheckIn(c *gin.Context) {
	var req attendance.CheckInRequest
	if err := bindOptional(c, &req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	h.result(c, h.Session.CheckIn(c.Request.Context(), req))
}

func (h *Handler) CheckOut(c *gin.Context) {
	var req attendance.CheckOutRequest
	if err := bindOptional(c, &req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	h.result(c, h.Session.CheckOut(c.Request.Context(), req))
}

// Login installs the tokens obtained by the UI and reconciles the session.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		AccessToken  string `json:"accessToken" binding:"required"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if h.OnLogin == nil {
		fail(c, http.StatusNotImplemented, "login is not supported")
		return
	}
	h.OnLogin(req.AccessToken, req.RefreshToken)
	h.RefreshSession(c)
}

// Logout force-closes any open session before the UI drops its credentials.
func (h *Handler) Logout(c *gin.Context) {
	out := h.Failsafe.OnLogout(c.Request.Context())
	h.Session.Reset()
	if h.OnLogout != nil {
		h.OnLogout()
	}
	ok(c, out)
}

// ---------- Tracking ----------

func (h *Handler) GetTracking(c *gin.Context) {
	ok(c, h.Bridge.State())
}

// PostTicks accepts one point or an array of points from the daemon. The
// newest point is forwarded to the server on a best-effort basis.
func (h *Handler) PostTicks(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	points, err := decodePoints(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid location payload: "+err.Error())
		return
	}
	for _, p := range points {
		h.Ticks(p)
	}
	if len(points) > 0 && h.Session.State().Status == attendance.StatusCheckedIn {
		if err := h.Session.SyncLocation(c.Request.Context(), points[len(points)-1]); err != nil {
			h.log.Debug("location sync skipped", "error", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": gin.H{"accepted": len(points)}})
}

// ---------- Offline queue ----------

func (h *Handler) GetQueue(c *gin.Context) {
	items := h.Queue.Items()
	if items == nil {
		items = []queue.Item{}
	}
	ok(c, gin.H{"length": len(items), "items": items})
}

func (h *Handler) DrainQueue(c *gin.Context) {
	ok(c, h.Queue.Drain(c.Request.Context(), h.Session))
}

func (h *Handler) ClearQueue(c *gin.Context) {
	if err := h.Queue.Clear(c.Request.Context()); err != nil {
		h.log.Error("clear offline queue failed", "error", err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, gin.H{"length": 0})
}

// ---------- Connectivity ----------

func (h *Handler) SetConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	h.Monitor.SetOnline(context.WithoutCancel(c.Request.Context()), *req.Online)
	ok(c, gin.H{"online": h.Monitor.Online(), "queueLength": h.Queue.Len()})
}

// ---------- History ----------

func (h *Handler) GetHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(history.DefaultPageSize)))
	res, err := h.Pager.Fetch(c.Request.Context(), page, limit, c.Query("sortBy"), c.Query("sortOrder"))
	if err != nil {
		fail(c, statusFor(err), err.Error())
		return
	}
	ok(c, res)
}

func (h *Handler) LoadMoreHistory(c *gin.Context) {
	if err := h.Pager.LoadMore(c.Request.Context()); err != nil {
		fail(c, statusFor(err), err.Error())
		return
	}
	ok(c, h.Pager.Current())
}

// ---------- helpers ----------

func (h *Handler) result(c *gin.Context, res attendance.Result) {
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Queued:
		c.JSON(http.StatusAccepted, res)
	default:
		c.JSON(statusFor(res.Err), res)
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg})
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}

// statusFor maps a session error to an HTTP status.
func statusFor(err error) int {
	var rejected *attendance.RejectedError
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, attendance.ErrLocationRequired), errors.Is(err, attendance.ErrInvalidLocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrAlreadyCheckedIn), errors.Is(err, attendance.ErrNotCheckedIn),
		errors.Is(err, attendance.ErrOperationInProgress):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.As(err, &rejected) && rejected.StatusCode >= 400 && rejected.StatusCode < 500:
		return rejected.StatusCode
	case attendance.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
