package qr

import (
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/roster"
)

// Status is the lifecycle state of a token.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	// StatusUsed is reserved for manual bookkeeping; quota exhaustion sets StatusExpired.
	StatusUsed Status = "USED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusUsed:
		return true
	}
	return false
}

// Token is one issued QR code.
type Token struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	CourseID     string          `json:"courseId"`
	TeacherID    string          `json:"teacherId"`
	ValidFrom    time.Time       `json:"validFrom"`
	ValidUntil   time.Time       `json:"validUntil"`
	MaxUses      int             `json:"maxUses"`
	UsedCount    int             `json:"usedCount"`
	Status       Status          `json:"status"`
	Location     *string         `json:"location,omitempty"`
	Description  *string         `json:"description,omitempty"`
	ImageURL     *string         `json:"imageUrl,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Course       *roster.Course  `json:"course,omitempty"`
	Teacher      *roster.Teacher `json:"teacher,omitempty"`
	CheckInCount int             `json:"checkInCount"`
	// CheckIns is filled on single-token reads only.
	CheckIns []CheckIn `json:"checkIns,omitempty"`
}

// CheckIn is one user's redemption of a token.
type CheckIn struct {
	ID          string    `json:"id"`
	TokenID     string    `json:"tokenId"`
	UserID      string    `json:"userId"`
	CheckInTime time.Time `json:"checkInTime"`
	Location    *string   `json:"location,omitempty"`
	IPAddress   *string   `json:"ipAddress,omitempty"`
	UserAgent   *string   `json:"userAgent,omitempty"`
	IsValid     bool      `json:"isValid"`
	Notes       *string   `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CourseID    string    `json:"courseId,omitempty"`

	User   *UserSummary  `json:"user,omitempty"`
	QRCode *TokenSummary `json:"qrCode,omitempty"`
}

// UserSummary is the user behind a check-in.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// TokenSummary is the token a check-in redeemed.
type TokenSummary struct {
	ID       string          `json:"id"`
	Location *string         `json:"location,omitempty"`
	Course   *roster.Course  `json:"course,omitempty"`
	Teacher  *roster.Teacher `json:"teacher,omitempty"`
}

func summarize(t Token) *TokenSummary {
	return &TokenSummary{ID: t.ID, Location: t.Location, Course: t.Course, Teacher: t.Teacher}
}

// IssueRequest is the input of token issuance.
type IssueRequest struct {
	CourseID    string
	TeacherID   string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     *int
	Location    string
	Description string
	// ActorUserID, when set, must be the user behind TeacherID.
	ActorUserID string
}

// ValidateRequest is the input of a check-in attempt.
type ValidateRequest struct {
	Code      string
	UserID    string
	Location  string
	Notes     string
	IPAddress string
	UserAgent string
}

// ValidateResult is returned for an accepted check-in. Attendance is nil when
// the side-effect write failed and was deferred to reconciliation.
type ValidateResult struct {
	CheckIn    CheckIn            `json:"checkIn"`
	Token      Token              `json:"token"`
	Attendance *attendance.Record `json:"attendance,omitempty"`
}

// SortOrder is asc or desc.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Page is shared pagination input.
type Page struct {
	Page  int
	Limit int
}

const (
	defaultLimit = 10
	maxLimit     = 100
)

func (p Page) normalized() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

// TokenFilter is the closed set of token list filters.
type TokenFilter struct {
	CourseID  string
	TeacherID string
	Status    Status
	From      *time.Time // createdAt >= From
	To        *time.Time // createdAt <= To
	Page      Page
	SortBy    string
	SortOrder SortOrder
}

// CheckInFilter is the closed set of check-in list filters.
type CheckInFilter struct {
	TokenID   string
	UserID    string
	CourseID  string
	IsValid   *bool
	From      *time.Time // checkInTime >= From
	To        *time.Time // checkInTime <= To
	Page      Page
	SortBy    string
	SortOrder SortOrder
}

// StatsFilter narrows statistics to one course or teacher.
type StatsFilter struct {
	CourseID  string
	TeacherID string
}

// Token sort fields map to their column names.
var tokenSortColumns = map[string]string{
	"createdAt":  "created_at",
	"validFrom":  "valid_from",
	"validUntil": "valid_until",
	"usedCount":  "used_count",
}

var checkInSortColumns = map[string]string{
	"checkInTime": "check_in_time",
	"createdAt":   "created_at",
}

// ListMeta describes a page of results.
type ListMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func newListMeta(p Page, total int) ListMeta {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return ListMeta{Page: p.Page, Limit: p.Limit, Total: total, TotalPages: pages}
}

// Statistics summarises tokens and check-ins.
type Statistics struct {
	TotalTokens     int        `json:"totalTokens"`
	ActiveTokens    int        `json:"activeTokens"`
	ExpiredTokens   int        `json:"expiredTokens"`
	UsedTokens      int        `json:"usedTokens"`
	TotalCheckIns   int        `json:"totalCheckIns"`
	ValidCheckIns   int        `json:"validCheckIns"`
	InvalidCheckIns int        `json:"invalidCheckIns"`
	Today           TodayStats `json:"todayStats"`
}

// TodayStats covers the current calendar day.
type TodayStats struct {
	TokensGenerated int `json:"tokensGenerated"`
	CheckIns        int `json:"checkIns"`
	UniqueUsers     int `json:"uniqueUsers"`
}
