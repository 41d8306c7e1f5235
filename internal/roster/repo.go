package roster

import (
	"context"
	"database/sql"
	"errors"
)

// Repository reads roster data from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FindCourse returns nil when the course does not exist.
func (r *Repository) FindCourse(ctx context.Context, id string) (*Course, error) {
	var c Course
	err := r.db.QueryRowContext(ctx, `SELECT id, title, code FROM courses WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &c.Code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// FindTeacher returns nil when the teacher does not exist.
func (r *Repository) FindTeacher(ctx context.Context, id string) (*Teacher, error) {
	var t Teacher
	err := r.db.QueryRowContext(ctx, `SELECT id, user_id, name, email FROM teachers WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.Name, &t.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// FindStudentByUser returns nil when userID has no student profile.
func (r *Repository) FindStudentByUser(ctx context.Context, userID string) (*Student, error) {
	var s Student
	err := r.db.QueryRowContext(ctx, `SELECT id, user_id, name, email FROM students WHERE user_id = $1`, userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// IsEnrolled reports whether the student is enrolled in the course.
func (r *Repository) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM course_enrollments WHERE student_id = $1 AND course_id = $2
		)
	`, studentID, courseID).Scan(&ok)
	return ok, err
}
