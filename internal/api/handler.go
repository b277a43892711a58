// Package api exposes the admission controller over HTTP.
package api

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"eventgate/internal/attendance"
	"eventgate/internal/auth"
	"eventgate/internal/group"
	"eventgate/internal/httpmiddleware"
	"eventgate/internal/participant"
)

// Handler serves the /v1 API.
type Handler struct {
	events *attendance.Service
	people *participant.Service
	groups *group.Service
	tokens *auth.Issuer
	join   *httpmiddleware.KeyedLimiter
	clock  func() time.Time
	log    *slog.Logger
}

// Config wires a Handler. JoinLimiter and Clock are optional.
type Config struct {
	Events      *attendance.Service
	People      *participant.Service
	Groups      *group.Service
	Tokens      *auth.Issuer
	JoinLimiter *httpmiddleware.KeyedLimiter
	Clock       func() time.Time
	Logger      *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		events: cfg.Events,
		people: cfg.People,
		groups: cfg.Groups,
		tokens: cfg.Tokens,
		join:   cfg.JoinLimiter,
		clock:  cfg.Clock,
		log:    cfg.Logger.With("component", "api"),
	}
}

// Register mounts every route under r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.POST("/auth/register", h.register)
	v1.POST("/auth/login", h.login)
	v1.POST("/auth/refresh", h.refresh)

	authed := v1.Group("", auth.Authenticate(h.tokens))
	authed.GET("/auth/me", h.me)
	authed.GET("/events", h.listEvents)
	authed.GET("/events/:id", h.getEvent)
	authed.GET("/me/registrations", h.history)

	joinChain := []gin.HandlerFunc{}
	if h.join != nil {
		joinChain = append(joinChain, h.join.GinMiddleware(callerKey))
	}
	authed.POST("/join", append(joinChain, h.joinEvent)...)

	manage := authed.Group("", auth.RequireRole(string(participant.RoleProfessor), string(participant.RoleAdmin)))
	manage.POST("/events", h.createEvent)
	manage.POST("/events/:id/close", h.closeEvent)
	manage.POST("/events/:id/open", h.openEvent)
	manage.DELETE("/events/:id", h.deleteEvent)
	manage.GET("/events/:id/registrations", h.roster)
	manage.GET("/events/:id/export", h.export)
	manage.DELETE("/registrations/:id", h.removeRegistration)
	manage.PATCH("/registrations/:id", h.setAttendance)
	manage.GET("/participants", h.listParticipants)

	if h.groups != nil {
		manage.GET("/groups", h.listGroups)
		manage.POST("/groups", h.createGroup)
		manage.GET("/groups/:id", h.getGroup)
		manage.DELETE("/groups/:id", h.deleteGroup)
		manage.POST("/groups/:id/events", h.addGroupEvents)
		manage.DELETE("/groups/:id/events/:eventId", h.removeGroupEvent)
		manage.GET("/groups/:id/export", h.exportGroup)
	}
}

func callerKey(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok {
		return claims.Subject
	}
	return httpmiddleware.ClientIP(c)
}

func canManage(c *gin.Context) bool {
	claims, ok := auth.FromContext(c)
	return ok && participant.Role(claims.Role).CanManageEvents()
}

// eventView hides the join code from callers who only attend. The code is
// meant to be read off the organizer's screen.
type eventView struct {
	attendance.Event
	JoinCode         string     `json:"join_code,omitempty"`
	JoinCodeIssuedAt *time.Time `json:"join_code_issued_at,omitempty"`
	RemainingSeats   *int       `json:"remaining_seats,omitempty"`
}

func viewOf(ev attendance.Event, withCode bool) eventView {
	v := eventView{Event: ev}
	if withCode {
		v.JoinCode = ev.JoinCode
		issued := ev.JoinCodeIssuedAt
		v.JoinCodeIssuedAt = &issued
	}
	if left := ev.Remaining(); left >= 0 {
		v.RemainingSeats = &left
	}
	return v
}

type credentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=6"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.people.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondWithTokens(c, http.StatusCreated, p)
}

func (h *Handler) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.people.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondWithTokens(c, http.StatusOK, p)
}

func (h *Handler) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := h.tokens.ParseRefresh(req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": "UNAUTHORIZED"})
		return
	}
	// re-read the account so role changes and deletions take effect
	p, err := h.people.Get(c.Request.Context(), claims.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondWithTokens(c, http.StatusOK, p)
}

func (h *Handler) respondWithTokens(c *gin.Context, status int, p participant.Participant) {
	tokens, err := h.tokens.Issue(auth.Identity{Subject: p.ID, Role: string(p.Role), Email: p.Email})
	if err != nil {
		writeError(c, fmt.Errorf("issue tokens: %w", err))
		return
	}
	c.JSON(status, gin.H{"participant": p, "tokens": tokens})
}

func (h *Handler) me(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	p, err := h.people.Get(c.Request.Context(), claims.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

func (h *Handler) listEvents(c *gin.Context) {
	events, err := h.events.ListEvents(c.Request.Context(), h.clock())
	if err != nil {
		writeError(c, err)
		return
	}
	withCode := canManage(c)
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, viewOf(ev, withCode))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (h *Handler) getEvent(c *gin.Context) {
	ev, err := h.events.GetEvent(c.Request.Context(), c.Param("id"), h.clock())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": viewOf(ev, canManage(c))})
}

func (h *Handler) createEvent(c *gin.Context) {
	var req struct {
		Name            string            `json:"name" binding:"required"`
		Description     string            `json:"description"`
		EventType       string            `json:"event_type"`
		StartTime       time.Time         `json:"start_time" binding:"required"`
		EndTime         time.Time         `json:"end_time" binding:"required,gtfield=StartTime"`
		MaxParticipants *int              `json:"max_participants" binding:"omitempty,gt=0"`
		Status          attendance.Status `json:"status" binding:"omitempty,oneof=OPEN CLOSED"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ev, err := h.events.CreateEvent(c.Request.Context(), attendance.EventInput{
		Name:            req.Name,
		Description:     req.Description,
		EventType:       req.EventType,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		MaxParticipants: req.MaxParticipants,
		Status:          req.Status,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": viewOf(ev, true)})
}

func (h *Handler) closeEvent(c *gin.Context) {
	ev, err := h.events.CloseEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": viewOf(ev, true)})
}

func (h *Handler) openEvent(c *gin.Context) {
	ev, err := h.events.OpenEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": viewOf(ev, true)})
}

func (h *Handler) deleteEvent(c *gin.Context) {
	if err := h.events.DeleteEvent(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) roster(c *gin.Context) {
	regs, err := h.events.ListRegistrations(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if regs == nil {
		regs = []attendance.Registration{}
	}
	c.JSON(http.StatusOK, gin.H{"registrations": regs})
}

func (h *Handler) export(c *gin.Context) {
	id := c.Param("id")
	var buf bytes.Buffer
	if err := h.events.ExportRoster(c.Request.Context(), &buf, id, h.people); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="event-%s-attendance.csv"`, id))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (h *Handler) joinEvent(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.FromContext(c)
	adm, err := h.events.Join(c.Request.Context(), req.Code, claims.Subject, h.clock())
	if err != nil {
		writeError(c, err)
		return
	}
	h.log.Info("participant admitted", "event_id", adm.Event.ID, "participant_id", claims.Subject)
	c.JSON(http.StatusCreated, gin.H{
		"registration": adm.Registration,
		"event":        viewOf(adm.Event, canManage(c)),
	})
}

func (h *Handler) history(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	entries, err := h.events.ParticipantHistory(c.Request.Context(), claims.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registrations": entries})
}

func (h *Handler) removeRegistration(c *gin.Context) {
	ev, err := h.events.RemoveRegistration(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": viewOf(ev, true)})
}

func (h *Handler) setAttendance(c *gin.Context) {
	var req struct {
		Status attendance.AttendanceStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reg, err := h.events.SetAttendanceStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registration": reg})
}

func (h *Handler) listParticipants(c *gin.Context) {
	people, err := h.people.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": people})
}

// groupView carries organizer views of the member events.
type groupView struct {
	group.Group
	Events []eventView `json:"events"`
}

func viewOfGroup(g group.Group) groupView {
	v := groupView{Group: g, Events: make([]eventView, 0, len(g.Events))}
	for _, ev := range g.Events {
		v.Events = append(v.Events, viewOf(ev, true))
	}
	return v
}

func (h *Handler) listGroups(c *gin.Context) {
	groups, err := h.groups.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		out = append(out, viewOfGroup(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (h *Handler) createGroup(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, err := h.groups.Create(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group": viewOfGroup(g)})
}

func (h *Handler) getGroup(c *gin.Context) {
	g, err := h.groups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": viewOfGroup(g)})
}

func (h *Handler) deleteGroup(c *gin.Context) {
	if err := h.groups.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) addGroupEvents(c *gin.Context) {
	var req struct {
		EventIDs []string `json:"event_ids" binding:"required,min=1,dive,required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	g, err := h.groups.AddEvents(c.Request.Context(), c.Param("id"), req.EventIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": viewOfGroup(g)})
}

func (h *Handler) removeGroupEvent(c *gin.Context) {
	if err := h.groups.RemoveEvent(c.Request.Context(), c.Param("id"), c.Param("eventId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) exportGroup(c *gin.Context) {
	id := c.Param("id")
	var buf bytes.Buffer
	if err := h.groups.ExportRoster(c.Request.Context(), &buf, id, h.people); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="group-%s-attendance.csv"`, id))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
