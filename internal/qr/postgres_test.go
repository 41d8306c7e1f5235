package qr

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, db))
	return db
}

func seedCourse(t *testing.T, db *sql.DB) (courseID, teacherID string) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	courseID, teacherID = "C-"+suffix, "T-"+suffix
	_, err := db.ExecContext(ctx, `INSERT INTO courses (id, title, code) VALUES ($1, 'Networks', $2)`, courseID, "NET-"+suffix)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO teachers (id, user_id, name, email) VALUES ($1, $2, 'Teacher', 't@example.edu')`, teacherID, "U-"+teacherID)
	require.NoError(t, err)
	return courseID, teacherID
}

func TestRepositoryRecordCheckInConcurrent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	courseID, teacherID := seedCourse(t, db)

	now := time.Now().UTC()
	code, err := GenerateCode(codeLength)
	require.NoError(t, err)
	tok := Token{Code: code, CourseID: courseID, TeacherID: teacherID,
		ValidFrom: now.Add(-time.Minute), ValidUntil: now.Add(time.Hour), MaxUses: 3}
	require.NoError(t, repo.CreateToken(ctx, &tok))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[error]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := repo.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: user, CheckInTime: time.Now(), IsValid: true})
			mu.Lock()
			results[err]++
			mu.Unlock()
		}(fmt.Sprintf("user-%d", i%5))
	}
	wg.Wait()

	assert.Equal(t, 3, results[nil])

	got, err := repo.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UsedCount)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, 3, got.CheckInCount)
	require.NotNil(t, got.Course)
	assert.Equal(t, courseID, got.Course.ID)
}

func TestRepositoryDuplicateAndLists(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	courseID, teacherID := seedCourse(t, db)

	now := time.Now().UTC()
	code, err := GenerateCode(codeLength)
	require.NoError(t, err)
	tok := Token{Code: code, CourseID: courseID, TeacherID: teacherID,
		ValidFrom: now.Add(-time.Minute), ValidUntil: now.Add(time.Hour), MaxUses: 5}
	require.NoError(t, repo.CreateToken(ctx, &tok))

	dup := tok
	dup.ID = ""
	assert.ErrorIs(t, repo.CreateToken(ctx, &dup), ErrDuplicateCode)

	_, err = repo.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: "u1", CheckInTime: now, IsValid: true})
	require.NoError(t, err)
	_, err = repo.RecordCheckIn(ctx, &CheckIn{TokenID: tok.ID, UserID: "u1", CheckInTime: now, IsValid: true})
	assert.ErrorIs(t, err, ErrDuplicateCheckIn)

	items, total, err := repo.ListCheckIns(ctx, CheckInFilter{CourseID: courseID, Page: Page{Page: 1, Limit: 10}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, courseID, items[0].CourseID)

	tokens, total, err := repo.ListTokens(ctx, TokenFilter{CourseID: courseID, Status: StatusActive, SortBy: "validUntil", SortOrder: SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, tokens[0].UsedCount)

	n, err := repo.ExpireTokens(ctx, TokenFilter{CourseID: courseID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := repo.Statistics(ctx, StatsFilter{CourseID: courseID}, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalTokens)
	assert.Equal(t, 1, st.ExpiredTokens)
	assert.Equal(t, 1, st.Today.UniqueUsers)
}

func TestRepositoryCheckInRelationsAndDeleteGuard(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	courseID, teacherID := seedCourse(t, db)

	userID := "U-" + uuid.NewString()[:8]
	_, err := db.ExecContext(ctx, `INSERT INTO students (id, user_id, name, email) VALUES ($1, $2, 'Ada', 'ada@example.edu')`,
		"S-"+userID, userID)
	require.NoError(t, err)

	now := time.Now().UTC()
	code, err := GenerateCode(codeLength)
	require.NoError(t, err)
	room := "Lab 2"
	tok := Token{Code: code, CourseID: courseID, TeacherID: teacherID, Location: &room,
		ValidFrom: now.Add(-time.Minute), ValidUntil: now.Add(time.Hour), MaxUses: 2}
	require.NoError(t, repo.CreateToken(ctx, &tok))
	require.NoError(t, repo.SetTokenImage(ctx, tok.ID, "https://img.example/x.png"))

	notes := "late bus"
	ci := CheckIn{TokenID: tok.ID, UserID: userID, CheckInTime: now, IsValid: true, Notes: &notes}
	_, err = repo.RecordCheckIn(ctx, &ci)
	require.NoError(t, err)

	got, err := repo.CheckInByID(ctx, ci.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "late bus", *got.Notes)
	require.NotNil(t, got.User)
	assert.Equal(t, "Ada", got.User.Name)
	require.NotNil(t, got.QRCode)
	require.NotNil(t, got.QRCode.Course)
	assert.Equal(t, courseID, got.QRCode.Course.ID)
	require.NotNil(t, got.QRCode.Teacher)
	assert.Equal(t, teacherID, got.QRCode.Teacher.ID)
	require.NotNil(t, got.QRCode.Location)
	assert.Equal(t, "Lab 2", *got.QRCode.Location)

	stored, err := repo.TokenByID(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ImageURL)

	_, err = repo.DeleteToken(ctx, tok.ID)
	assert.ErrorIs(t, err, ErrTokenInUse)
	_, err = repo.TokenByID(ctx, tok.ID)
	assert.NoError(t, err)

	_, err = repo.RecordCheckIn(ctx, &CheckIn{TokenID: uuid.NewString(), UserID: userID, CheckInTime: now, IsValid: true})
	assert.ErrorIs(t, err, ErrNotFound)
}
