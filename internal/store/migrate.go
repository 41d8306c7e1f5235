package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Constraint names referenced by repositories when mapping unique violations.
const (
	ConstraintCheckInPerUser  = "qr_check_ins_qr_code_id_user_id_key"
	ConstraintQRCode          = "qr_codes_code_key"
	ConstraintAttendanceDaily = "attendances_user_id_course_id_date_key"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS courses (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		code        TEXT NOT NULL UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS teachers (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		email       TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		email       TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS course_enrollments (
		student_id  TEXT NOT NULL REFERENCES students(id),
		course_id   TEXT NOT NULL REFERENCES courses(id),
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (student_id, course_id)
	)`,
	`CREATE TABLE IF NOT EXISTS qr_codes (
		id          TEXT PRIMARY KEY,
		code        TEXT NOT NULL,
		course_id   TEXT NOT NULL REFERENCES courses(id),
		teacher_id  TEXT NOT NULL REFERENCES teachers(id),
		valid_from  TIMESTAMPTZ NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL,
		max_uses    INTEGER NOT NULL CHECK (max_uses > 0),
		used_count  INTEGER NOT NULL DEFAULT 0 CHECK (used_count >= 0 AND used_count <= max_uses),
		status      TEXT NOT NULL DEFAULT 'ACTIVE',
		location    TEXT,
		description TEXT,
		image_url   TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT qr_codes_code_key UNIQUE (code),
		CONSTRAINT qr_codes_window_check CHECK (valid_until > valid_from)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_qr_codes_course ON qr_codes(course_id)`,
	`CREATE INDEX IF NOT EXISTS idx_qr_codes_status_until ON qr_codes(status, valid_until)`,
	`CREATE TABLE IF NOT EXISTS qr_check_ins (
		id            TEXT PRIMARY KEY,
		qr_code_id    TEXT NOT NULL REFERENCES qr_codes(id),
		user_id       TEXT NOT NULL,
		check_in_time TIMESTAMPTZ NOT NULL,
		location      TEXT,
		ip_address    TEXT,
		user_agent    TEXT,
		is_valid      BOOLEAN NOT NULL DEFAULT TRUE,
		notes         TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT qr_check_ins_qr_code_id_user_id_key UNIQUE (qr_code_id, user_id)
	)`,
	`ALTER TABLE qr_check_ins ADD COLUMN IF NOT EXISTS notes TEXT`,
	`CREATE INDEX IF NOT EXISTS idx_qr_check_ins_time ON qr_check_ins(check_in_time)`,
	`CREATE TABLE IF NOT EXISTS attendances (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		course_id     TEXT NOT NULL REFERENCES courses(id),
		date          DATE NOT NULL,
		status        TEXT NOT NULL,
		qr_code_id    TEXT REFERENCES qr_codes(id) ON DELETE SET NULL,
		check_in_time TIMESTAMPTZ,
		location      TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT attendances_user_id_course_id_date_key UNIQUE (user_id, course_id, date)
	)`,
}

// Migrate creates the tables this service owns or reads. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
