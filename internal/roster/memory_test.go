package roster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	SeedDemo(m)

	c, err := m.FindCourse(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "CSE-301", c.Code)

	missing, err := m.FindCourse(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	teacher, err := m.FindTeacher(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, teacher)
	assert.Equal(t, "U-T1", teacher.UserID)

	s, err := m.FindStudentByUser(ctx, "U-S2")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "S2", s.ID)

	ok, err := m.IsEnrolled(ctx, "S2", "C1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsEnrolled(ctx, "S2", "C2")
	require.NoError(t, err)
	assert.False(t, ok)
}
