package qr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/roster"
	"qrattend/internal/store"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const tokenSelect = `
	SELECT q.id, q.code, q.course_id, q.teacher_id, q.valid_from, q.valid_until,
		q.max_uses, q.used_count, q.status, q.location, q.description, q.image_url,
		q.created_at, q.updated_at,
		c.id, c.title, c.code,
		t.id, t.user_id, t.name, t.email,
		(SELECT COUNT(*) FROM qr_check_ins ci WHERE ci.qr_code_id = q.id)
	FROM qr_codes q
	LEFT JOIN courses c ON c.id = q.course_id
	LEFT JOIN teachers t ON t.id = q.teacher_id`

const checkInSelect = `
	SELECT ci.id, ci.qr_code_id, ci.user_id, ci.check_in_time, ci.location,
		ci.ip_address, ci.user_agent, ci.is_valid, ci.notes, ci.created_at, q.course_id,
		s.name, s.email,
		q.location, c.id, c.title, c.code,
		t.id, t.user_id, t.name, t.email
	FROM qr_check_ins ci
	JOIN qr_codes q ON q.id = ci.qr_code_id
	LEFT JOIN students s ON s.user_id = ci.user_id
	LEFT JOIN courses c ON c.id = q.course_id
	LEFT JOIN teachers t ON t.id = q.teacher_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(s scanner) (Token, error) {
	var (
		t                                                Token
		location, description, imgURL                    sql.NullString
		courseID, courseTitle, courseCode                sql.NullString
		teacherID, teacherUser, teacherName, teacherEmail sql.NullString
	)
	err := s.Scan(&t.ID, &t.Code, &t.CourseID, &t.TeacherID, &t.ValidFrom, &t.ValidUntil,
		&t.MaxUses, &t.UsedCount, &t.Status, &location, &description, &imgURL,
		&t.CreatedAt, &t.UpdatedAt,
		&courseID, &courseTitle, &courseCode,
		&teacherID, &teacherUser, &teacherName, &teacherEmail,
		&t.CheckInCount)
	if err != nil {
		return Token{}, err
	}
	t.Location = stringPtr(location)
	t.Description = stringPtr(description)
	t.ImageURL = stringPtr(imgURL)
	if courseID.Valid {
		t.Course = &roster.Course{ID: courseID.String, Title: courseTitle.String, Code: courseCode.String}
	}
	if teacherID.Valid {
		t.Teacher = &roster.Teacher{ID: teacherID.String, UserID: teacherUser.String, Name: teacherName.String, Email: teacherEmail.String}
	}
	return t, nil
}

func scanCheckIn(s scanner) (CheckIn, error) {
	var (
		c                                                 CheckIn
		location, ip, userAgent, notes                    sql.NullString
		userName, userEmail, tokenLocation                sql.NullString
		courseID, courseTitle, courseCode                 sql.NullString
		teacherID, teacherUser, teacherName, teacherEmail sql.NullString
	)
	if err := s.Scan(&c.ID, &c.TokenID, &c.UserID, &c.CheckInTime, &location,
		&ip, &userAgent, &c.IsValid, &notes, &c.CreatedAt, &c.CourseID,
		&userName, &userEmail,
		&tokenLocation, &courseID, &courseTitle, &courseCode,
		&teacherID, &teacherUser, &teacherName, &teacherEmail); err != nil {
		return CheckIn{}, err
	}
	c.Location = stringPtr(location)
	c.IPAddress = stringPtr(ip)
	c.UserAgent = stringPtr(userAgent)
	c.Notes = stringPtr(notes)
	if userName.Valid {
		c.User = &UserSummary{ID: c.UserID, Name: userName.String, Email: userEmail.String}
	}
	c.QRCode = &TokenSummary{ID: c.TokenID, Location: stringPtr(tokenLocation)}
	if courseID.Valid {
		c.QRCode.Course = &roster.Course{ID: courseID.String, Title: courseTitle.String, Code: courseCode.String}
	}
	if teacherID.Valid {
		c.QRCode.Teacher = &roster.Teacher{ID: teacherID.String, UserID: teacherUser.String, Name: teacherName.String, Email: teacherEmail.String}
	}
	return c, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// where accumulates positional SQL predicates.
type where struct {
	clauses []string
	args    []any
}

// add appends a predicate; expr holds one %d for the placeholder index.
func (w *where) add(expr string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(expr, len(w.args)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) next() string {
	return fmt.Sprintf("$%d", len(w.args)+1)
}

func tokenWhere(f TokenFilter) *where {
	w := &where{}
	if f.CourseID != "" {
		w.add("q.course_id = $%d", f.CourseID)
	}
	if f.TeacherID != "" {
		w.add("q.teacher_id = $%d", f.TeacherID)
	}
	if f.Status != "" {
		w.add("q.status = $%d", string(f.Status))
	}
	if f.From != nil {
		w.add("q.created_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("q.created_at <= $%d", *f.To)
	}
	return w
}

func orderBy(columns map[string]string, alias, by, fallback string, order SortOrder) string {
	col, ok := columns[by]
	if !ok {
		col = fallback
	}
	dir := "DESC"
	if order == SortAsc {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s.%s %s, %s.id", alias, col, dir, alias)
}

func (r *Repository) CreateToken(ctx context.Context, t *Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO qr_codes (id, code, course_id, teacher_id, valid_from, valid_until,
			max_uses, used_count, status, location, description, image_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, t.ID, t.Code, t.CourseID, t.TeacherID, t.ValidFrom, t.ValidUntil,
		t.MaxUses, t.UsedCount, string(t.Status),
		nullString(t.Location), nullString(t.Description), nullString(t.ImageURL),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if store.IsUniqueViolation(err, store.ConstraintQRCode) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("insert qr token: %w", err)
	}
	return nil
}

func tokenBy(ctx context.Context, q store.DBTX, column, value string) (Token, error) {
	t, err := scanToken(q.QueryRowContext(ctx, tokenSelect+" WHERE q."+column+" = $1", value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, fmt.Errorf("token: %w", ErrNotFound)
		}
		return Token{}, fmt.Errorf("load qr token: %w", err)
	}
	return t, nil
}

func (r *Repository) TokenByID(ctx context.Context, id string) (Token, error) {
	return tokenBy(ctx, r.db, "id", id)
}

func (r *Repository) TokenByCode(ctx context.Context, code string) (Token, error) {
	return tokenBy(ctx, r.db, "code", code)
}

func (r *Repository) ListTokens(ctx context.Context, f TokenFilter) ([]Token, int, error) {
	w := tokenWhere(f)
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM qr_codes q`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count qr tokens: %w", err)
	}

	p := f.Page.normalized()
	query := tokenSelect + w.String() + orderBy(tokenSortColumns, "q", f.SortBy, "created_at", f.SortOrder) +
		fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, p.offset())
	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list qr tokens: %w", err)
	}
	defer rows.Close()

	out := []Token{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (r *Repository) UpdateTokenStatus(ctx context.Context, id string, status Status) (Token, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE qr_codes SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return Token{}, fmt.Errorf("update qr token status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Token{}, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return r.TokenByID(ctx, id)
}

// incrementSQL takes one use only while the token is ACTIVE and below quota.
// Under READ COMMITTED a concurrent writer re-evaluates the predicate after the
// row lock is released, so used_count can never pass max_uses.
const incrementSQL = `
	UPDATE qr_codes SET
		used_count = used_count + 1,
		status = CASE WHEN used_count + 1 >= max_uses THEN 'EXPIRED' ELSE status END,
		updated_at = NOW()
	WHERE id = $1 AND status = 'ACTIVE' AND used_count < max_uses
	RETURNING id`

func increment(ctx context.Context, q store.DBTX, id string) error {
	var got string
	err := q.QueryRowContext(ctx, incrementSQL, id).Scan(&got)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("increment qr token usage: %w", err)
	}

	var (
		status        Status
		used, maxUses int
	)
	err = q.QueryRowContext(ctx, `SELECT status, used_count, max_uses FROM qr_codes WHERE id = $1`, id).
		Scan(&status, &used, &maxUses)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	case err != nil:
		return fmt.Errorf("load qr token usage: %w", err)
	case used >= maxUses:
		return ErrQuotaExhausted
	default:
		return ErrTokenInactive
	}
}

func (r *Repository) IncrementUsedCount(ctx context.Context, id string) (Token, error) {
	if err := increment(ctx, r.db, id); err != nil {
		return Token{}, err
	}
	return r.TokenByID(ctx, id)
}

func (r *Repository) ExpireToken(ctx context.Context, id string) (Token, error) {
	return r.UpdateTokenStatus(ctx, id, StatusExpired)
}

func (r *Repository) ExpireTokens(ctx context.Context, f TokenFilter) (int, error) {
	f.Status = StatusActive
	w := tokenWhere(f)
	res, err := r.db.ExecContext(ctx,
		`UPDATE qr_codes q SET status = 'EXPIRED', updated_at = NOW()`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("expire qr tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE qr_codes SET status = 'EXPIRED', updated_at = NOW()
		WHERE status = 'ACTIVE' AND valid_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue qr tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) SetTokenImage(ctx context.Context, id, url string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE qr_codes SET image_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set qr image: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) DeleteToken(ctx context.Context, id string) (Token, error) {
	var t Token
	err := store.RunInTx(ctx, r.db, nil, func(ctx context.Context, tx store.DBTX) error {
		var err error
		if t, err = tokenBy(ctx, tx, "id", id); err != nil {
			return err
		}
		if t.CheckInCount > 0 {
			return fmt.Errorf("token %s: %w", id, ErrTokenInUse)
		}
		// A check-in committed after the count still trips the foreign key.
		if _, err := tx.ExecContext(ctx, `DELETE FROM qr_codes WHERE id = $1`, id); err != nil {
			if store.IsForeignKeyViolation(err) {
				return fmt.Errorf("token %s: %w", id, ErrTokenInUse)
			}
			return fmt.Errorf("delete qr token: %w", err)
		}
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return t, nil
}

func (r *Repository) RecordCheckIn(ctx context.Context, c *CheckIn) (Token, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var tok Token
	err := store.RunInTx(ctx, r.db, nil, func(ctx context.Context, tx store.DBTX) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO qr_check_ins (id, qr_code_id, user_id, check_in_time, location, ip_address, user_agent, is_valid, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at
		`, c.ID, c.TokenID, c.UserID, c.CheckInTime,
			nullString(c.Location), nullString(c.IPAddress), nullString(c.UserAgent), c.IsValid, nullString(c.Notes),
		).Scan(&c.CreatedAt)
		if err != nil {
			if store.IsUniqueViolation(err, store.ConstraintCheckInPerUser) {
				return ErrDuplicateCheckIn
			}
			if store.IsForeignKeyViolation(err) {
				return fmt.Errorf("token %s: %w", c.TokenID, ErrNotFound)
			}
			return fmt.Errorf("insert check-in: %w", err)
		}
		if err := increment(ctx, tx, c.TokenID); err != nil {
			return err
		}
		tok, err = tokenBy(ctx, tx, "id", c.TokenID)
		return err
	})
	if err != nil {
		return Token{}, err
	}
	c.CourseID = tok.CourseID
	return tok, nil
}

func (r *Repository) CheckInByID(ctx context.Context, id string) (CheckIn, error) {
	c, err := scanCheckIn(r.db.QueryRowContext(ctx, checkInSelect+` WHERE ci.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CheckIn{}, fmt.Errorf("check-in %s: %w", id, ErrNotFound)
		}
		return CheckIn{}, fmt.Errorf("load check-in: %w", err)
	}
	return c, nil
}

func (r *Repository) HasCheckIn(ctx context.Context, tokenID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM qr_check_ins WHERE qr_code_id = $1 AND user_id = $2)`,
		tokenID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup check-in: %w", err)
	}
	return exists, nil
}

func (r *Repository) ListCheckIns(ctx context.Context, f CheckInFilter) ([]CheckIn, int, error) {
	w := &where{}
	if f.TokenID != "" {
		w.add("ci.qr_code_id = $%d", f.TokenID)
	}
	if f.UserID != "" {
		w.add("ci.user_id = $%d", f.UserID)
	}
	if f.CourseID != "" {
		w.add("q.course_id = $%d", f.CourseID)
	}
	if f.IsValid != nil {
		w.add("ci.is_valid = $%d", *f.IsValid)
	}
	if f.From != nil {
		w.add("ci.check_in_time >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("ci.check_in_time <= $%d", *f.To)
	}

	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qr_check_ins ci JOIN qr_codes q ON q.id = ci.qr_code_id`+w.String(),
		w.args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count check-ins: %w", err)
	}

	p := f.Page.normalized()
	query := checkInSelect + w.String() + orderBy(checkInSortColumns, "ci", f.SortBy, "check_in_time", f.SortOrder) +
		fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, p.offset())
	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list check-ins: %w", err)
	}
	defer rows.Close()

	out := []CheckIn{}
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *Repository) DeleteCheckIn(ctx context.Context, id string) (CheckIn, error) {
	c, err := r.CheckInByID(ctx, id)
	if err != nil {
		return CheckIn{}, err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM qr_check_ins WHERE id = $1`, id); err != nil {
		return CheckIn{}, fmt.Errorf("delete check-in: %w", err)
	}
	return c, nil
}

func (r *Repository) Statistics(ctx context.Context, f StatsFilter, dayStart, dayEnd time.Time) (Statistics, error) {
	w := tokenWhere(TokenFilter{CourseID: f.CourseID, TeacherID: f.TeacherID})
	start, end := w.next(), fmt.Sprintf("$%d", len(w.args)+2)
	args := append(append([]any{}, w.args...), dayStart, dayEnd)

	var s Statistics
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE q.status = 'ACTIVE'),
			COUNT(*) FILTER (WHERE q.status = 'EXPIRED'),
			COUNT(*) FILTER (WHERE q.status = 'USED'),
			COUNT(*) FILTER (WHERE q.created_at >= `+start+` AND q.created_at < `+end+`)
		FROM qr_codes q`+w.String(), args...,
	).Scan(&s.TotalTokens, &s.ActiveTokens, &s.ExpiredTokens, &s.UsedTokens, &s.Today.TokensGenerated)
	if err != nil {
		return Statistics{}, fmt.Errorf("token statistics: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE ci.is_valid),
			COUNT(*) FILTER (WHERE NOT ci.is_valid),
			COUNT(*) FILTER (WHERE ci.check_in_time >= `+start+` AND ci.check_in_time < `+end+`),
			COUNT(DISTINCT ci.user_id) FILTER (WHERE ci.check_in_time >= `+start+` AND ci.check_in_time < `+end+`)
		FROM qr_check_ins ci JOIN qr_codes q ON q.id = ci.qr_code_id`+w.String(), args...,
	).Scan(&s.TotalCheckIns, &s.ValidCheckIns, &s.InvalidCheckIns, &s.Today.CheckIns, &s.Today.UniqueUsers)
	if err != nil {
		return Statistics{}, fmt.Errorf("check-in statistics: %w", err)
	}
	return s, nil
}
