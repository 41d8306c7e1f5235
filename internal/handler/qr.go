package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"qrattend/internal/apperr"
	"qrattend/internal/auth"
	"qrattend/internal/qr"
	"qrattend/internal/qrimage"
)

// QRService is the part of qr.Service the HTTP layer uses.
type QRService interface {
	Issue(ctx context.Context, req qr.IssueRequest) (qr.Token, error)
	Validate(ctx context.Context, req qr.ValidateRequest) (qr.ValidateResult, error)
	GetToken(ctx context.Context, id string) (qr.Token, error)
	ListTokens(ctx context.Context, f qr.TokenFilter) ([]qr.Token, qr.ListMeta, error)
	UpdateTokenStatus(ctx context.Context, id string, status qr.Status) (qr.Token, error)
	ExpireTokens(ctx context.Context, f qr.TokenFilter) (int, error)
	DeleteToken(ctx context.Context, id string) (qr.Token, error)
	ListCheckIns(ctx context.Context, f qr.CheckInFilter) ([]qr.CheckIn, qr.ListMeta, error)
	GetCheckIn(ctx context.Context, id string) (qr.CheckIn, error)
	DeleteCheckIn(ctx context.Context, id string) (qr.CheckIn, error)
	Statistics(ctx context.Context, f qr.StatsFilter) (qr.Statistics, error)
}

var _ QRService = (*qr.Service)(nil)

// QRHandler serves the /v1/qr routes.
type QRHandler struct {
	svc QRService
	log *zap.Logger
}

func NewQRHandler(svc QRService, log *zap.Logger) *QRHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &QRHandler{svc: svc, log: log}
}

// Register mounts the routes on r. authn must authenticate the caller and set claims.
func (h *QRHandler) Register(r gin.IRouter, authn gin.HandlerFunc) {
	g := r.Group("/v1/qr", authn)
	staff := auth.RequireRole(auth.RoleTeacher, auth.RoleAdmin)

	g.POST("/validate", h.Validate)

	g.POST("/tokens", staff, h.Issue)
	g.GET("/tokens", staff, h.ListTokens)
	g.POST("/tokens/expire", staff, h.ExpireTokens)
	g.GET("/tokens/:id", staff, h.GetToken)
	g.GET("/tokens/:id/image", staff, h.TokenImage)
	g.PATCH("/tokens/:id/status", staff, h.UpdateTokenStatus)
	g.DELETE("/tokens/:id", staff, h.DeleteToken)

	g.GET("/check-ins", staff, h.ListCheckIns)
	g.GET("/check-ins/:id", staff, h.GetCheckIn)
	g.DELETE("/check-ins/:id", staff, h.DeleteCheckIn)

	g.GET("/statistics", staff, h.Statistics)
}

type issueRequest struct {
	CourseID    string     `json:"courseId" binding:"required"`
	TeacherID   string     `json:"teacherId" binding:"required"`
	ValidFrom   *time.Time `json:"validFrom"`
	ValidUntil  *time.Time `json:"validUntil"`
	MaxUses     *int       `json:"maxUses"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
}

func (h *QRHandler) Issue(c *gin.Context) {
	var req issueRequest
	if err := decodeStrict(c, &req); err != nil {
		fail(c, h.log, err)
		return
	}
	in := qr.IssueRequest{
		CourseID:    req.CourseID,
		TeacherID:   req.TeacherID,
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
		MaxUses:     req.MaxUses,
		Location:    req.Location,
		Description: req.Description,
	}
	if claims, _ := auth.ClaimsFrom(c); claims.Role == auth.RoleTeacher {
		in.ActorUserID = claims.Subject
	}
	tok, err := h.svc.Issue(c.Request.Context(), in)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.Header("Location", "/v1/qr/tokens/"+tok.ID)
	respond(c, http.StatusCreated, "QR token generated successfully", tok)
}

type validateRequest struct {
	Token    string `json:"token"`
	Code     string `json:"code"`
	UserID   string `json:"userId"`
	Location string `json:"location"`
	Notes    string `json:"notes" binding:"max=500"`
}

func (h *QRHandler) Validate(c *gin.Context) {
	var req validateRequest
	if err := decodeStrict(c, &req); err != nil {
		fail(c, h.log, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = claims.Subject
	}
	if claims.Role == auth.RoleStudent && userID != claims.Subject {
		fail(c, h.log, apperr.Forbidden("Students can only check in for themselves"))
		return
	}
	code := req.Token
	if code == "" {
		code = req.Code
	}

	res, err := h.svc.Validate(c.Request.Context(), qr.ValidateRequest{
		Code:      code,
		UserID:    userID,
		Location:  req.Location,
		Notes:     req.Notes,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "Check-in successful", res)
}

func (h *QRHandler) ListTokens(c *gin.Context) {
	f, err := tokenFilter(c.Request.URL.Query())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	tokens, meta, err := h.svc.ListTokens(c.Request.Context(), f)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respondList(c, "QR tokens retrieved successfully", meta, tokens)
}

func (h *QRHandler) GetToken(c *gin.Context) {
	tok, err := h.svc.GetToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "QR token retrieved successfully", tok)
}

func (h *QRHandler) TokenImage(c *gin.Context) {
	q := newQuery(c.Request.URL.Query(), imageKeys...)
	size := q.intVal("size")
	if q.err == nil && size != 0 && (size < 64 || size > 2048) {
		q.err = apperr.BadRequest("size must be between 64 and 2048")
	}
	if q.err != nil {
		fail(c, h.log, q.err)
		return
	}
	tok, err := h.svc.GetToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	png, err := qrimage.Render(tok.Code, size)
	if err != nil {
		fail(c, h.log, apperr.Internal("failed to render QR image", err))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *QRHandler) UpdateTokenStatus(c *gin.Context) {
	var req statusRequest
	if err := decodeStrict(c, &req); err != nil {
		fail(c, h.log, err)
		return
	}
	tok, err := h.svc.UpdateTokenStatus(c.Request.Context(), c.Param("id"), qr.Status(strings.ToUpper(req.Status)))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "QR token status updated successfully", tok)
}

type expireRequest struct {
	CourseID  string `json:"courseId"`
	TeacherID string `json:"teacherId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

func (h *QRHandler) ExpireTokens(c *gin.Context) {
	var req expireRequest
	if err := decodeStrict(c, &req); err != nil {
		fail(c, h.log, err)
		return
	}
	f := qr.TokenFilter{CourseID: req.CourseID, TeacherID: req.TeacherID}
	for _, b := range []struct {
		raw   string
		upper bool
		dst   **time.Time
	}{{req.StartDate, false, &f.From}, {req.EndDate, true, &f.To}} {
		if b.raw == "" {
			continue
		}
		t, err := parseTime(b.raw, b.upper)
		if err != nil {
			fail(c, h.log, apperr.BadRequest("startDate and endDate must be RFC3339 or YYYY-MM-DD"))
			return
		}
		*b.dst = &t
	}
	n, err := h.svc.ExpireTokens(c.Request.Context(), f)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, strconv.Itoa(n)+" QR tokens expired successfully", gin.H{"count": n})
}

func (h *QRHandler) DeleteToken(c *gin.Context) {
	tok, err := h.svc.DeleteToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "QR token deleted successfully", tok)
}

func (h *QRHandler) ListCheckIns(c *gin.Context) {
	f, err := checkInFilter(c.Request.URL.Query())
	if err != nil {
		fail(c, h.log, err)
		return
	}
	items, meta, err := h.svc.ListCheckIns(c.Request.Context(), f)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respondList(c, "QR check-ins retrieved successfully", meta, items)
}

func (h *QRHandler) GetCheckIn(c *gin.Context) {
	ci, err := h.svc.GetCheckIn(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "QR check-in retrieved successfully", ci)
}

func (h *QRHandler) DeleteCheckIn(c *gin.Context) {
	ci, err := h.svc.DeleteCheckIn(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "QR check-in deleted successfully", ci)
}

func (h *QRHandler) Statistics(c *gin.Context) {
	q := newQuery(c.Request.URL.Query(), statsKeys...)
	if q.err != nil {
		fail(c, h.log, q.err)
		return
	}
	st, err := h.svc.Statistics(c.Request.Context(), qr.StatsFilter{
		CourseID:  q.str("courseId"),
		TeacherID: q.str("teacherId"),
	})
	if err != nil {
		fail(c, h.log, err)
		return
	}
	respond(c, http.StatusOK, "QR statistics retrieved successfully", st)
}

// decodeStrict binds a JSON body, rejecting unknown fields, then runs gin's validator.
func decodeStrict(c *gin.Context, dst any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return apperr.BadRequest("unreadable request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.BadRequest("invalid request body: " + err.Error())
	}
	if err := validateStruct(dst); err != nil {
		return apperr.BadRequest(err.Error())
	}
	return nil
}
