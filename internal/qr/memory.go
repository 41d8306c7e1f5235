package qr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. A single mutex makes RecordCheckIn one
// critical section, which gives the same guarantees as the Postgres
// unique constraint plus conditional update.
type Memory struct {
	mu       sync.Mutex
	tokens   map[string]*Token
	byCode   map[string]string
	checkIns map[string]*CheckIn
	byPair   map[string]string
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tokens:   make(map[string]*Token),
		byCode:   make(map[string]string),
		checkIns: make(map[string]*CheckIn),
		byPair:   make(map[string]string),
		now:      time.Now,
	}
}

func pairKey(tokenID, userID string) string { return tokenID + "\x00" + userID }

func (m *Memory) CreateToken(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byCode[t.Code]; ok {
		return ErrDuplicateCode
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	now := m.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	cp.Course, cp.Teacher, cp.CheckIns = nil, nil, nil
	m.tokens[t.ID] = &cp
	m.byCode[t.Code] = t.ID
	return nil
}

func (m *Memory) tokenLocked(id string) (Token, error) {
	t, ok := m.tokens[id]
	if !ok {
		return Token{}, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	out := *t
	out.CheckInCount = m.countCheckInsLocked(id)
	return out, nil
}

func (m *Memory) countCheckInsLocked(tokenID string) int {
	n := 0
	for _, c := range m.checkIns {
		if c.TokenID == tokenID {
			n++
		}
	}
	return n
}

func (m *Memory) TokenByID(_ context.Context, id string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenLocked(id)
}

func (m *Memory) TokenByCode(_ context.Context, code string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[code]
	if !ok {
		return Token{}, fmt.Errorf("token code: %w", ErrNotFound)
	}
	return m.tokenLocked(id)
}

func (m *Memory) matchToken(t *Token, f TokenFilter) bool {
	if f.CourseID != "" && t.CourseID != f.CourseID {
		return false
	}
	if f.TeacherID != "" && t.TeacherID != f.TeacherID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && t.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (m *Memory) ListTokens(_ context.Context, f TokenFilter) ([]Token, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Token
	for _, t := range m.tokens {
		if m.matchToken(t, f) {
			out := *t
			out.CheckInCount = m.countCheckInsLocked(t.ID)
			matched = append(matched, out)
		}
	}
	sortTokens(matched, f.SortBy, f.SortOrder)
	page, total := paginate(matched, f.Page)
	return page, total, nil
}

func sortTokens(ts []Token, by string, order SortOrder) {
	less := func(a, b Token) bool {
		switch by {
		case "validFrom":
			return a.ValidFrom.Before(b.ValidFrom)
		case "validUntil":
			return a.ValidUntil.Before(b.ValidUntil)
		case "usedCount":
			return a.UsedCount < b.UsedCount
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(ts, func(i, j int) bool {
		if order == SortAsc {
			return less(ts[i], ts[j])
		}
		return less(ts[j], ts[i])
	})
}

func paginate[T any](items []T, p Page) ([]T, int) {
	p = p.normalized()
	total := len(items)
	start := p.offset()
	if start >= total {
		return []T{}, total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return items[start:end], total
}

func (m *Memory) UpdateTokenStatus(_ context.Context, id string, status Status) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return Token{}, fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = m.now().UTC()
	return m.tokenLocked(id)
}

func (m *Memory) IncrementUsedCount(_ context.Context, id string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.incrementLocked(id); err != nil {
		return Token{}, err
	}
	return m.tokenLocked(id)
}

func (m *Memory) incrementLocked(id string) error {
	t, ok := m.tokens[id]
	if !ok {
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	if t.UsedCount >= t.MaxUses {
		return ErrQuotaExhausted
	}
	if t.Status != StatusActive {
		return ErrTokenInactive
	}
	t.UsedCount++
	if t.UsedCount >= t.MaxUses {
		t.Status = StatusExpired
	}
	t.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) ExpireToken(ctx context.Context, id string) (Token, error) {
	return m.UpdateTokenStatus(ctx, id, StatusExpired)
}

func (m *Memory) ExpireTokens(_ context.Context, f TokenFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Status = StatusActive
	now := m.now().UTC()
	n := 0
	for _, t := range m.tokens {
		if m.matchToken(t, f) {
			t.Status = StatusExpired
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpireOverdue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.Status == StatusActive && now.After(t.ValidUntil) {
			t.Status = StatusExpired
			t.UpdatedAt = now.UTC()
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetTokenImage(_ context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return fmt.Errorf("token %s: %w", id, ErrNotFound)
	}
	t.ImageURL = &url
	t.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) DeleteToken(_ context.Context, id string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.tokenLocked(id)
	if err != nil {
		return Token{}, err
	}
	if t.CheckInCount > 0 {
		return Token{}, fmt.Errorf("token %s: %w", id, ErrTokenInUse)
	}
	delete(m.tokens, id)
	delete(m.byCode, t.Code)
	return t, nil
}

func (m *Memory) RecordCheckIn(_ context.Context, c *CheckIn) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(c.TokenID, c.UserID)
	if _, ok := m.byPair[key]; ok {
		return Token{}, ErrDuplicateCheckIn
	}
	if err := m.incrementLocked(c.TokenID); err != nil {
		return Token{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = m.now().UTC()
	c.CourseID = m.tokens[c.TokenID].CourseID
	cp := *c
	cp.User, cp.QRCode = nil, nil
	m.checkIns[c.ID] = &cp
	m.byPair[key] = c.ID
	return m.tokenLocked(c.TokenID)
}

func (m *Memory) CheckInByID(_ context.Context, id string) (CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkIns[id]
	if !ok {
		return CheckIn{}, fmt.Errorf("check-in %s: %w", id, ErrNotFound)
	}
	return *c, nil
}

func (m *Memory) HasCheckIn(_ context.Context, tokenID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPair[pairKey(tokenID, userID)]
	return ok, nil
}

func (m *Memory) ListCheckIns(_ context.Context, f CheckInFilter) ([]CheckIn, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []CheckIn
	for _, c := range m.checkIns {
		if f.TokenID != "" && c.TokenID != f.TokenID {
			continue
		}
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.CourseID != "" && c.CourseID != f.CourseID {
			continue
		}
		if f.IsValid != nil && c.IsValid != *f.IsValid {
			continue
		}
		if f.From != nil && c.CheckInTime.Before(*f.From) {
			continue
		}
		if f.To != nil && c.CheckInTime.After(*f.To) {
			continue
		}
		matched = append(matched, *c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if f.SortOrder == SortAsc {
			a, b = b, a
		}
		if f.SortBy == "createdAt" {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CheckInTime.After(b.CheckInTime)
	})
	page, total := paginate(matched, f.Page)
	return page, total, nil
}

func (m *Memory) DeleteCheckIn(_ context.Context, id string) (CheckIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkIns[id]
	if !ok {
		return CheckIn{}, fmt.Errorf("check-in %s: %w", id, ErrNotFound)
	}
	delete(m.checkIns, id)
	delete(m.byPair, pairKey(c.TokenID, c.UserID))
	return *c, nil
}

func (m *Memory) Statistics(_ context.Context, f StatsFilter, dayStart, dayEnd time.Time) (Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Statistics
	inScope := make(map[string]bool)
	for id, t := range m.tokens {
		if f.CourseID != "" && t.CourseID != f.CourseID {
			continue
		}
		if f.TeacherID != "" && t.TeacherID != f.TeacherID {
			continue
		}
		inScope[id] = true
		s.TotalTokens++
		switch t.Status {
		case StatusActive:
			s.ActiveTokens++
		case StatusExpired:
			s.ExpiredTokens++
		case StatusUsed:
			s.UsedTokens++
		}
		if !t.CreatedAt.Before(dayStart) && t.CreatedAt.Before(dayEnd) {
			s.Today.TokensGenerated++
		}
	}
	users := make(map[string]bool)
	for _, c := range m.checkIns {
		if !inScope[c.TokenID] {
			continue
		}
		s.TotalCheckIns++
		if c.IsValid {
			s.ValidCheckIns++
		} else {
			s.InvalidCheckIns++
		}
		if !c.CheckInTime.Before(dayStart) && c.CheckInTime.Before(dayEnd) {
			s.Today.CheckIns++
			users[c.UserID] = true
		}
	}
	s.Today.UniqueUsers = len(users)
	return s, nil
}
