package qr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/metrics"
	"qrattend/internal/ratelimit"
	"qrattend/internal/roster"
)

// CourseDirectory resolves courses. A nil course means it does not exist.
type CourseDirectory interface {
	FindCourse(ctx context.Context, id string) (*roster.Course, error)
}

type TeacherDirectory interface {
	FindTeacher(ctx context.Context, id string) (*roster.Teacher, error)
}

type StudentDirectory interface {
	FindStudentByUser(ctx context.Context, userID string) (*roster.Student, error)
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
}

// AttendanceLedger receives the PRESENT upsert after each check-in.
type AttendanceLedger interface {
	MarkPresent(ctx context.Context, req attendance.MarkRequest) (attendance.Record, error)
}

// Reconciler takes attendance writes that failed inline.
type Reconciler interface {
	Enqueue(ctx context.Context, req attendance.MarkRequest) error
}

// ImagePublisher renders a code and stores the image, returning its URL.
type ImagePublisher interface {
	Publish(ctx context.Context, code string) (string, error)
}

// Deps are the collaborators of Service. Reconciler, Images and Metrics are optional.
type Deps struct {
	Courses    CourseDirectory
	Teachers   TeacherDirectory
	Students   StudentDirectory
	Ledger     AttendanceLedger
	Reconciler Reconciler
	Images     ImagePublisher
	Limiter    ratelimit.Limiter
	Metrics    metrics.Recorder
	Log        *zap.Logger
}

// Options is the issuance policy.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	ClockSkew  time.Duration
	MaxUsesCap int
	// Location decides which calendar day a check-in counts for.
	Location *time.Location
}

// DefaultOptions matches the production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTTL: 30 * time.Minute,
		MaxTTL:     24 * time.Hour,
		ClockSkew:  5 * time.Minute,
		MaxUsesCap: 1000,
		Location:   time.UTC,
	}
}

const codeAttempts = 3

// Service issues tokens and validates check-ins against them.
type Service struct {
	store Store
	deps  Deps
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

// NewService wires a service. Zero-valued options fall back to DefaultOptions.
func NewService(store Store, deps Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = def.DefaultTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = def.MaxTTL
	}
	if opts.ClockSkew < 0 {
		opts.ClockSkew = def.ClockSkew
	}
	if opts.MaxUsesCap < 1 {
		opts.MaxUsesCap = def.MaxUsesCap
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopMetrics()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, deps: deps, opts: opts, log: log, now: time.Now}
}

// Issue creates a new ACTIVE token for a course.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Token, error) {
	if req.CourseID == "" || req.TeacherID == "" {
		return Token{}, apperr.BadRequest("courseId and teacherId are required")
	}
	course, err := s.deps.Courses.FindCourse(ctx, req.CourseID)
	if err != nil {
		return Token{}, apperr.Internal("failed to load course", err)
	}
	if course == nil {
		return Token{}, apperr.NotFound("Course not found")
	}
	teacher, err := s.deps.Teachers.FindTeacher(ctx, req.TeacherID)
	if err != nil {
		return Token{}, apperr.Internal("failed to load teacher", err)
	}
	if teacher == nil {
		return Token{}, apperr.NotFound("Teacher not found")
	}
	if req.ActorUserID != "" && teacher.UserID != req.ActorUserID {
		return Token{}, apperr.Forbidden("Teachers can only issue tokens for themselves")
	}

	now := s.now().UTC()
	validFrom := now
	if req.ValidFrom != nil && !req.ValidFrom.Before(now.Add(-s.opts.ClockSkew)) {
		validFrom = req.ValidFrom.UTC()
	}
	validUntil := now.Add(s.opts.DefaultTTL)
	if req.ValidUntil != nil {
		validUntil = req.ValidUntil.UTC()
	}
	if ceiling := now.Add(s.opts.MaxTTL); validUntil.After(ceiling) {
		validUntil = ceiling
	}
	if !validUntil.After(validFrom) {
		return Token{}, apperr.BadRequest("validUntil must be after validFrom")
	}

	maxUses := 1
	if req.MaxUses != nil {
		maxUses = *req.MaxUses
	}
	maxUses = min(max(maxUses, 1), s.opts.MaxUsesCap)

	tok := Token{
		CourseID:    course.ID,
		TeacherID:   teacher.ID,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
		MaxUses:     maxUses,
		Status:      StatusActive,
		Location:    optional(req.Location),
		Description: optional(req.Description),
	}
	if err := s.create(ctx, &tok); err != nil {
		return Token{}, err
	}
	s.attachImage(ctx, &tok)
	tok.Course = course
	tok.Teacher = teacher

	s.deps.Metrics.RecordTokenIssued()
	s.log.Info("qr token issued",
		zap.String("token_id", tok.ID),
		zap.String("course_id", tok.CourseID),
		zap.String("teacher_id", tok.TeacherID),
		zap.Time("valid_until", tok.ValidUntil),
		zap.Int("max_uses", tok.MaxUses))
	return tok, nil
}

func (s *Service) create(ctx context.Context, tok *Token) error {
	for attempt := 1; ; attempt++ {
		code, err := GenerateCode(codeLength)
		if err != nil {
			return apperr.Internal("failed to generate code", err)
		}
		tok.Code = code

		err = s.store.CreateToken(ctx, tok)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateCode) || attempt == codeAttempts {
			return apperr.Internal("failed to create QR token", err)
		}
		s.log.Warn("qr code collision, regenerating", zap.Int("attempt", attempt))
	}
}

// attachImage uploads the rendered code of a stored token and records its URL.
// Failures are logged; the token stays usable without an image.
func (s *Service) attachImage(ctx context.Context, tok *Token) {
	if s.deps.Images == nil {
		return
	}
	url, err := s.deps.Images.Publish(ctx, tok.Code)
	if err != nil {
		s.log.Warn("qr image upload failed, issuing without image", zap.String("token_id", tok.ID), zap.Error(err))
		return
	}
	if err := s.store.SetTokenImage(ctx, tok.ID, url); err != nil {
		s.log.Warn("failed to store qr image url", zap.String("token_id", tok.ID), zap.Error(err))
		return
	}
	tok.ImageURL = &url
}

// Validate redeems a code for a user. Every rejection is an *apperr.Error.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (res ValidateResult, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = strings.ToLower(string(apperr.KindOf(err)))
		}
		s.deps.Metrics.RecordCheckIn(result, time.Since(start))
	}()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return res, apperr.BadRequest("Token or code is required")
	}
	if req.UserID == "" {
		return res, apperr.BadRequest("userId is required")
	}

	if err := s.throttle(ctx, req); err != nil {
		return res, err
	}

	tok, err := s.store.TokenByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return res, apperr.NotFound("QR token not found")
		}
		return res, apperr.Internal("failed to load QR token", err)
	}

	now := s.now().UTC()
	if ok, reason := CheckValidity(tok, now); !ok {
		return res, apperr.Gone(reason)
	}

	student, err := s.checkEnrollment(ctx, req.UserID, tok.CourseID)
	if err != nil {
		return res, err
	}

	exists, err := s.store.HasCheckIn(ctx, tok.ID, req.UserID)
	if err != nil {
		return res, apperr.Internal("failed to look up check-in", err)
	}
	if exists {
		return res, apperr.Conflict("User has already checked in with this QR token")
	}

	loc := optional(req.Location)
	if loc == nil {
		loc = tok.Location
	}
	ci := CheckIn{
		TokenID:     tok.ID,
		UserID:      req.UserID,
		CheckInTime: now,
		Location:    loc,
		IPAddress:   optional(req.IPAddress),
		UserAgent:   optional(req.UserAgent),
		IsValid:     true,
		Notes:       optional(req.Notes),
	}
	updated, err := s.store.RecordCheckIn(ctx, &ci)
	if err != nil {
		return res, s.recordError(ctx, tok.ID, now, err)
	}
	if updated.Status == StatusExpired && updated.UsedCount >= updated.MaxUses {
		s.deps.Metrics.RecordTokensExpired("quota", 1)
	}

	res.Token = s.withRelations(ctx, updated)
	ci.User = &UserSummary{ID: student.UserID, Name: student.Name, Email: student.Email}
	ci.QRCode = summarize(res.Token)
	res.CheckIn = ci
	res.Attendance = s.markAttendance(ctx, ci, updated)

	s.log.Info("qr check-in accepted",
		zap.String("check_in_id", ci.ID),
		zap.String("token_id", tok.ID),
		zap.String("user_id", req.UserID),
		zap.Int("used_count", updated.UsedCount),
		zap.Int("max_uses", updated.MaxUses))
	return res, nil
}

func (s *Service) throttle(ctx context.Context, req ValidateRequest) error {
	if s.deps.Limiter == nil {
		return nil
	}
	key := req.IPAddress
	if key == "" {
		key = req.UserID
	}
	allowed, err := s.deps.Limiter.Allow(ctx, key)
	if err != nil {
		s.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return nil
	}
	if !allowed {
		s.deps.Metrics.RecordRateLimited()
		return apperr.TooManyRequests("Too many validation attempts, please try again later")
	}
	return nil
}

func (s *Service) checkEnrollment(ctx context.Context, userID, courseID string) (*roster.Student, error) {
	student, err := s.deps.Students.FindStudentByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load student", err)
	}
	if student == nil {
		return nil, apperr.NotFound("Student not found")
	}
	enrolled, err := s.deps.Students.IsEnrolled(ctx, student.ID, courseID)
	if err != nil {
		return nil, apperr.Internal("failed to check enrollment", err)
	}
	if !enrolled {
		return nil, apperr.Forbidden("User is not enrolled in this course")
	}
	return student, nil
}

// recordError maps a failed RecordCheckIn to the rejection a caller sees.
func (s *Service) recordError(ctx context.Context, tokenID string, now time.Time, err error) error {
	switch {
	case errors.Is(err, ErrDuplicateCheckIn):
		return apperr.Conflict("User has already checked in with this QR token")
	case errors.Is(err, ErrQuotaExhausted):
		return apperr.Gone(ReasonQuotaUsed)
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("QR token not found")
	case errors.Is(err, ErrTokenInactive):
		if fresh, ferr := s.store.TokenByID(ctx, tokenID); ferr == nil {
			if ok, reason := CheckValidity(fresh, now); !ok {
				return apperr.Gone(reason)
			}
		}
		return apperr.Gone("QR token is not valid")
	default:
		return apperr.Internal("failed to record check-in", err)
	}
}

// markAttendance is best effort: the check-in is already committed.
func (s *Service) markAttendance(ctx context.Context, ci CheckIn, tok Token) *attendance.Record {
	req := attendance.MarkRequest{
		UserID:      ci.UserID,
		CourseID:    tok.CourseID,
		Date:        attendance.Day(ci.CheckInTime, s.opts.Location),
		TokenID:     tok.ID,
		CheckInTime: ci.CheckInTime,
	}
	if ci.Location != nil {
		req.Location = *ci.Location
	}

	rec, err := s.deps.Ledger.MarkPresent(ctx, req)
	if err == nil {
		return &rec
	}

	s.deps.Metrics.RecordAttendanceFailure()
	s.log.Warn("attendance update failed after check-in",
		zap.String("token_id", tok.ID),
		zap.String("user_id", ci.UserID),
		zap.String("course_id", tok.CourseID),
		zap.Error(err))
	if s.deps.Reconciler != nil {
		if qerr := s.deps.Reconciler.Enqueue(ctx, req); qerr != nil {
			s.log.Error("attendance reconcile enqueue failed",
				zap.String("user_id", ci.UserID),
				zap.String("course_id", tok.CourseID),
				zap.Error(qerr))
		}
	}
	return nil
}

// GetToken returns a token with its course, teacher and check-ins, oldest first.
func (s *Service) GetToken(ctx context.Context, id string) (Token, error) {
	tok, err := s.store.TokenByID(ctx, id)
	if err != nil {
		return Token{}, tokenError(err)
	}
	tok = s.withRelations(ctx, tok)

	f := CheckInFilter{TokenID: id, SortBy: "checkInTime", SortOrder: SortAsc, Page: Page{Page: 1, Limit: maxLimit}}
	for {
		items, total, err := s.store.ListCheckIns(ctx, f)
		if err != nil {
			return Token{}, apperr.Internal("failed to load QR check-ins", err)
		}
		tok.CheckIns = append(tok.CheckIns, items...)
		if len(items) == 0 || len(tok.CheckIns) >= total {
			break
		}
		f.Page.Page++
	}
	s.withCheckInRelations(ctx, tok.CheckIns)
	return tok, nil
}

// withCheckInRelations fills user and token summaries the store did not join.
func (s *Service) withCheckInRelations(ctx context.Context, items []CheckIn) {
	users := make(map[string]*UserSummary)
	tokens := make(map[string]*TokenSummary)
	for i := range items {
		c := &items[i]
		if c.User == nil {
			u, seen := users[c.UserID]
			if !seen {
				if st, err := s.deps.Students.FindStudentByUser(ctx, c.UserID); err == nil && st != nil {
					u = &UserSummary{ID: st.UserID, Name: st.Name, Email: st.Email}
				}
				users[c.UserID] = u
			}
			c.User = u
		}
		if c.QRCode == nil {
			ts, seen := tokens[c.TokenID]
			if !seen {
				if tok, err := s.store.TokenByID(ctx, c.TokenID); err == nil {
					ts = summarize(s.withRelations(ctx, tok))
				}
				tokens[c.TokenID] = ts
			}
			c.QRCode = ts
		}
	}
}

// withRelations fills summaries the store did not join.
func (s *Service) withRelations(ctx context.Context, tok Token) Token {
	if tok.Course == nil {
		if c, err := s.deps.Courses.FindCourse(ctx, tok.CourseID); err == nil {
			tok.Course = c
		}
	}
	if tok.Teacher == nil {
		if t, err := s.deps.Teachers.FindTeacher(ctx, tok.TeacherID); err == nil {
			tok.Teacher = t
		}
	}
	return tok
}

func tokenError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("QR token not found")
	}
	return apperr.Internal("failed to load QR token", err)
}

func checkInError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("QR check-in not found")
	}
	return apperr.Internal("failed to load QR check-in", err)
}

// ListTokens returns one page of tokens.
func (s *Service) ListTokens(ctx context.Context, f TokenFilter) ([]Token, ListMeta, error) {
	if err := normalizeSort(&f.SortBy, &f.SortOrder, tokenSortColumns, "createdAt"); err != nil {
		return nil, ListMeta{}, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ListMeta{}, apperr.BadRequest(fmt.Sprintf("invalid status %q", f.Status))
	}
	if err := checkRange(f.From, f.To); err != nil {
		return nil, ListMeta{}, err
	}
	f.Page = f.Page.normalized()

	tokens, total, err := s.store.ListTokens(ctx, f)
	if err != nil {
		return nil, ListMeta{}, apperr.Internal("failed to list QR tokens", err)
	}
	for i := range tokens {
		tokens[i] = s.withRelations(ctx, tokens[i])
	}
	return tokens, newListMeta(f.Page, total), nil
}

// ListCheckIns returns one page of check-ins.
func (s *Service) ListCheckIns(ctx context.Context, f CheckInFilter) ([]CheckIn, ListMeta, error) {
	if err := normalizeSort(&f.SortBy, &f.SortOrder, checkInSortColumns, "checkInTime"); err != nil {
		return nil, ListMeta{}, err
	}
	if err := checkRange(f.From, f.To); err != nil {
		return nil, ListMeta{}, err
	}
	f.Page = f.Page.normalized()

	items, total, err := s.store.ListCheckIns(ctx, f)
	if err != nil {
		return nil, ListMeta{}, apperr.Internal("failed to list QR check-ins", err)
	}
	s.withCheckInRelations(ctx, items)
	return items, newListMeta(f.Page, total), nil
}

func normalizeSort(by *string, order *SortOrder, allowed map[string]string, fallback string) error {
	if *by == "" {
		*by = fallback
	}
	if _, ok := allowed[*by]; !ok {
		return apperr.BadRequest(fmt.Sprintf("unsupported sortBy %q", *by))
	}
	switch *order {
	case "":
		*order = SortDesc
	case SortAsc, SortDesc:
	default:
		return apperr.BadRequest(fmt.Sprintf("unsupported sortOrder %q", *order))
	}
	return nil
}

func checkRange(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return apperr.BadRequest("endDate must not be before startDate")
	}
	return nil
}

// UpdateTokenStatus sets a token's status.
func (s *Service) UpdateTokenStatus(ctx context.Context, id string, status Status) (Token, error) {
	if !status.Valid() {
		return Token{}, apperr.BadRequest(fmt.Sprintf("invalid status %q", status))
	}
	tok, err := s.store.UpdateTokenStatus(ctx, id, status)
	if err != nil {
		return Token{}, tokenError(err)
	}
	if status == StatusExpired {
		s.deps.Metrics.RecordTokensExpired("manual", 1)
	}
	s.log.Info("qr token status updated", zap.String("token_id", id), zap.String("status", string(status)))
	return s.withRelations(ctx, tok), nil
}

// ExpireTokens moves every ACTIVE token matching f to EXPIRED.
func (s *Service) ExpireTokens(ctx context.Context, f TokenFilter) (int, error) {
	if err := checkRange(f.From, f.To); err != nil {
		return 0, err
	}
	n, err := s.store.ExpireTokens(ctx, f)
	if err != nil {
		return 0, apperr.Internal("failed to expire QR tokens", err)
	}
	s.deps.Metrics.RecordTokensExpired("manual", n)
	s.log.Info("qr tokens expired",
		zap.Int("count", n),
		zap.String("course_id", f.CourseID),
		zap.String("teacher_id", f.TeacherID))
	return n, nil
}

// ExpireOverdue retires ACTIVE tokens whose window has closed.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.deps.Metrics.RecordTokensExpired("sweep", n)
	if n > 0 {
		s.log.Info("expired overdue qr tokens", zap.Int("count", n))
	}
	return n, nil
}

// Statistics summarises tokens and check-ins; "today" follows Options.Location.
func (s *Service) Statistics(ctx context.Context, f StatsFilter) (Statistics, error) {
	y, m, d := s.now().In(s.opts.Location).Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
	st, err := s.store.Statistics(ctx, f, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return Statistics{}, apperr.Internal("failed to compute statistics", err)
	}
	return st, nil
}

// DeleteToken removes a token that no check-in references.
func (s *Service) DeleteToken(ctx context.Context, id string) (Token, error) {
	deleted, err := s.store.DeleteToken(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTokenInUse) {
			return Token{}, apperr.BadRequest("Cannot delete QR token with existing check-ins")
		}
		return Token{}, tokenError(err)
	}
	s.log.Info("qr token deleted", zap.String("token_id", id))
	return s.withRelations(ctx, deleted), nil
}

func (s *Service) GetCheckIn(ctx context.Context, id string) (CheckIn, error) {
	ci, err := s.store.CheckInByID(ctx, id)
	if err != nil {
		return CheckIn{}, checkInError(err)
	}
	one := []CheckIn{ci}
	s.withCheckInRelations(ctx, one)
	return one[0], nil
}

// DeleteCheckIn removes a check-in. The token's usedCount is not decremented.
func (s *Service) DeleteCheckIn(ctx context.Context, id string) (CheckIn, error) {
	ci, err := s.store.DeleteCheckIn(ctx, id)
	if err != nil {
		return CheckIn{}, checkInError(err)
	}
	s.log.Info("qr check-in deleted", zap.String("check_in_id", id), zap.String("token_id", ci.TokenID))
	return ci, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
