package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process ledger with the same upsert semantics as Repository.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record), now: time.Now}
}

func key(userID, courseID, date string) string {
	return userID + "\x00" + courseID + "\x00" + date
}

func (m *Memory) MarkPresent(_ context.Context, req MarkRequest) (Record, error) {
	if err := validate(req); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	checkIn := req.CheckInTime
	k := key(req.UserID, req.CourseID, req.Date)
	rec, ok := m.records[k]
	if !ok {
		rec = &Record{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			CourseID:  req.CourseID,
			Date:      req.Date,
			CreatedAt: now,
		}
		m.records[k] = rec
	}
	rec.Status = StatusPresent
	rec.CheckInTime = &checkIn
	if req.TokenID != "" {
		tokenID := req.TokenID
		rec.QRCodeID = &tokenID
	}
	if req.Location != "" {
		loc := req.Location
		rec.Location = &loc
	}
	rec.UpdatedAt = now
	return *rec, nil
}

func (m *Memory) Get(_ context.Context, userID, courseID, date string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(userID, courseID, date)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Put stores rec as-is. Tests use it to seed pre-existing rows.
func (m *Memory) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key(rec.UserID, rec.CourseID, rec.Date)] = &rec
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
