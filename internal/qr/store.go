package qr

import (
	"context"
	"errors"
	"time"
)

// Store errors. Implementations wrap them with %w.
var (
	ErrNotFound         = errors.New("qr: not found")
	ErrDuplicateCode    = errors.New("qr: token code already exists")
	ErrDuplicateCheckIn = errors.New("qr: user already checked in with this token")
	ErrQuotaExhausted   = errors.New("qr: token usage limit reached")
	ErrTokenInactive    = errors.New("qr: token is not active")
	ErrTokenInUse       = errors.New("qr: token has check-ins")
)

// TokenStore persists issued tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *Token) error
	TokenByID(ctx context.Context, id string) (Token, error)
	TokenByCode(ctx context.Context, code string) (Token, error)
	ListTokens(ctx context.Context, f TokenFilter) ([]Token, int, error)
	UpdateTokenStatus(ctx context.Context, id string, status Status) (Token, error)
	SetTokenImage(ctx context.Context, id, url string) error
	// IncrementUsedCount adds one use if the token is ACTIVE and below quota,
	// moving it to EXPIRED when the quota is reached.
	IncrementUsedCount(ctx context.Context, id string) (Token, error)
	ExpireToken(ctx context.Context, id string) (Token, error)
	// ExpireTokens moves every ACTIVE token matching f to EXPIRED. Paging and sorting are ignored.
	ExpireTokens(ctx context.Context, f TokenFilter) (int, error)
	// ExpireOverdue moves ACTIVE tokens whose window closed before now to EXPIRED.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
	// DeleteToken fails with ErrTokenInUse while any check-in references the token.
	DeleteToken(ctx context.Context, id string) (Token, error)
}

// CheckInStore persists check-ins.
type CheckInStore interface {
	CheckInByID(ctx context.Context, id string) (CheckIn, error)
	HasCheckIn(ctx context.Context, tokenID, userID string) (bool, error)
	ListCheckIns(ctx context.Context, f CheckInFilter) ([]CheckIn, int, error)
	DeleteCheckIn(ctx context.Context, id string) (CheckIn, error)
	Statistics(ctx context.Context, f StatsFilter, dayStart, dayEnd time.Time) (Statistics, error)
}

// Store combines both stores with the one operation that spans them.
type Store interface {
	TokenStore
	CheckInStore
	// RecordCheckIn inserts c and increments the token's usage as one unit.
	// It fails with ErrDuplicateCheckIn when (TokenID, UserID) already exists and
	// with ErrQuotaExhausted or ErrTokenInactive when the token cannot take another use.
	// Nothing is persisted on failure.
	RecordCheckIn(ctx context.Context, c *CheckIn) (Token, error)
}
