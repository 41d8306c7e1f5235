package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance rows in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, user_id, course_id, to_char(date, 'YYYY-MM-DD'), status, qr_code_id, check_in_time, location, created_at, updated_at`

// MarkPresent inserts or refreshes the (user, course, date) row as PRESENT.
func (r *Repository) MarkPresent(ctx context.Context, req MarkRequest) (Record, error) {
	if err := validate(req); err != nil {
		return Record{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendances (id, user_id, course_id, date, status, qr_code_id, check_in_time, location)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
		ON CONFLICT (user_id, course_id, date) DO UPDATE SET
			status = EXCLUDED.status,
			qr_code_id = EXCLUDED.qr_code_id,
			check_in_time = EXCLUDED.check_in_time,
			location = COALESCE(EXCLUDED.location, attendances.location),
			updated_at = NOW()
		RETURNING `+recordColumns,
		uuid.NewString(), req.UserID, req.CourseID, req.Date, StatusPresent,
		nullable(req.TokenID), req.CheckInTime, nullable(req.Location),
	)
	return scanRecord(row)
}

// Get returns nil when no record exists for the day.
func (r *Repository) Get(ctx context.Context, userID, courseID, date string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendances WHERE user_id = $1 AND course_id = $2 AND date = $3::date
	`, userID, courseID, date)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func scanRecord(row *sql.Row) (Record, error) {
	var (
		rec         Record
		qrCodeID    sql.NullString
		checkInTime sql.NullTime
		location    sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.CourseID, &rec.Date, &rec.Status,
		&qrCodeID, &checkInTime, &location, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	if qrCodeID.Valid {
		rec.QRCodeID = &qrCodeID.String
	}
	if checkInTime.Valid {
		t := checkInTime.Time
		rec.CheckInTime = &t
	}
	if location.Valid {
		rec.Location = &location.String
	}
	return rec, nil
}

func validate(req MarkRequest) error {
	if req.UserID == "" || req.CourseID == "" {
		return errors.New("user and course required")
	}
	if _, err := time.Parse(DateLayout, req.Date); err != nil {
		return fmt.Errorf("invalid attendance date %q: %w", req.Date, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
