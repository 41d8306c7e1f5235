package qr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredToken(t *testing.T, s Store, code string, maxUses int) Token {
	t.Helper()
	now := time.Now().UTC()
	tok := Token{
		Code:       code,
		CourseID:   "C1",
		TeacherID:  "T1",
		ValidFrom:  now.Add(-time.Minute),
		ValidUntil: now.Add(time.Hour),
		MaxUses:    maxUses,
	}
	require.NoError(t, s.CreateToken(context.Background(), &tok))
	return tok
}

func TestMemoryCreateRejectsDuplicateCode(t *testing.T) {
	m := NewMemory()
	newStoredToken(t, m, "same", 1)

	dup := Token{Code: "same", CourseID: "C1", TeacherID: "T1", MaxUses: 1}
	assert.ErrorIs(t, m.CreateToken(context.Background(), &dup), ErrDuplicateCode)
}

func TestMemoryIncrementStopsAtQuota(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tok := newStoredToken(t, m, "inc", 2)

	got, err := m.IncrementUsedCount(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
	assert.Equal(t, StatusActive, got.Status)

	got, err = m.IncrementUsedCount(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsedCount)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = m.IncrementUsedCount(ctx, tok.ID)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	_, err = m.IncrementUsedCount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRecordCheckInLeavesNothingOnFailure(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tok := newStoredToken(t, m, "rec", 1)

	_, err := m.UpdateTokenStatus(ctx, tok.ID, StatusUsed)
	require.NoError(t, err)

	_, err = m.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: "U1", CheckInTime: time.Now()})
	assert.ErrorIs(t, err, ErrTokenInactive)

	ok, err := m.HasCheckIn(ctx, tok.ID, "U1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRecordCheckInDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tok := newStoredToken(t, m, "dup", 5)

	ci := &CheckIn{TokenID: tok.ID, UserID: "U1", CheckInTime: time.Now(), IsValid: true}
	updated, err := m.RecordCheckIn(ctx, ci)
	require.NoError(t, err)
	assert.NotEmpty(t, ci.ID)
	assert.Equal(t, 1, updated.UsedCount)
	assert.Equal(t, 1, updated.CheckInCount)

	_, err = m.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: "U1", CheckInTime: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateCheckIn)

	again, err := m.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.UsedCount)
}

func TestMemoryListCheckInsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := newStoredToken(t, m, "a", 5)
	b := newStoredToken(t, m, "b", 5)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i, pair := range []struct{ tok, user string }{{a.ID, "U1"}, {a.ID, "U2"}, {b.ID, "U1"}} {
		_, err := m.RecordCheckIn(ctx, &CheckIn{TokenID: pair.tok, UserID: pair.user, CheckInTime: base.Add(time.Duration(i) * time.Minute), IsValid: true})
		require.NoError(t, err)
	}

	items, total, err := m.ListCheckIns(ctx, CheckInFilter{UserID: "U1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, b.ID, items[0].TokenID, "latest check-in first")

	from := base.Add(30 * time.Second)
	items, total, err = m.ListCheckIns(ctx, CheckInFilter{From: &from, SortOrder: SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "U2", items[0].UserID)

	invalid := false
	_, total, err = m.ListCheckIns(ctx, CheckInFilter{IsValid: &invalid})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMemoryDeleteTokenInUse(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tok := newStoredToken(t, m, "busy", 2)

	_, err := m.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: "u1", CheckInTime: time.Now(), IsValid: true})
	require.NoError(t, err)

	_, err = m.DeleteToken(ctx, tok.ID)
	assert.ErrorIs(t, err, ErrTokenInUse)
	_, err = m.TokenByID(ctx, tok.ID)
	assert.NoError(t, err)

	_, err = m.DeleteToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteTokenRacesCheckIn(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		m := NewMemory()
		tok := newStoredToken(t, m, "race", 1)

		done := make(chan error, 1)
		go func() {
			_, err := m.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: "u1", CheckInTime: time.Now(), IsValid: true})
			done <- err
		}()
		_, delErr := m.DeleteToken(ctx, tok.ID)
		recErr := <-done

		if delErr == nil {
			// The delete won: the check-in must not have been stored against it.
			assert.ErrorIs(t, recErr, ErrNotFound)
			items, _, err := m.ListCheckIns(ctx, CheckInFilter{TokenID: tok.ID})
			require.NoError(t, err)
			assert.Empty(t, items)
		} else {
			assert.ErrorIs(t, delErr, ErrTokenInUse)
			assert.NoError(t, recErr)
		}
	}
}

func TestMemorySetTokenImage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tok := newStoredToken(t, m, "img", 1)

	require.NoError(t, m.SetTokenImage(ctx, tok.ID, "https://img.example/a.png"))
	got, err := m.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ImageURL)
	assert.Equal(t, "https://img.example/a.png", *got.ImageURL)

	assert.ErrorIs(t, m.SetTokenImage(ctx, "missing", "x"), ErrNotFound)
}
