package roster

import (
	"context"
	"sync"
)

// Memory is an in-process roster used by the memory store backend and tests.
type Memory struct {
	mu          sync.RWMutex
	courses     map[string]Course
	teachers    map[string]Teacher
	students    map[string]Student // keyed by user id
	enrollments map[string]map[string]bool
}

// NewMemory returns an empty roster.
func NewMemory() *Memory {
	return &Memory{
		courses:     make(map[string]Course),
		teachers:    make(map[string]Teacher),
		students:    make(map[string]Student),
		enrollments: make(map[string]map[string]bool),
	}
}

func (m *Memory) AddCourse(c Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

func (m *Memory) AddTeacher(t Teacher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teachers[t.ID] = t
}

func (m *Memory) AddStudent(s Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.UserID] = s
}

// Enroll links a student to a course.
func (m *Memory) Enroll(studentID, courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrollments[studentID] == nil {
		m.enrollments[studentID] = make(map[string]bool)
	}
	m.enrollments[studentID][courseID] = true
}

func (m *Memory) FindCourse(_ context.Context, id string) (*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) FindTeacher(_ context.Context, id string) (*Teacher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teachers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) FindStudentByUser(_ context.Context, userID string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) IsEnrolled(_ context.Context, studentID, courseID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enrollments[studentID][courseID], nil
}

// SeedDemo loads a small course with one teacher and three enrolled students.
// Used when the API runs with the memory backend so the endpoints can be exercised locally.
func SeedDemo(m *Memory) {
	m.AddCourse(Course{ID: "C1", Title: "Introduction to Networks", Code: "CSE-301"})
	m.AddTeacher(Teacher{ID: "T1", UserID: "U-T1", Name: "Demo Teacher", Email: "teacher@example.edu"})
	for _, id := range []string{"S1", "S2", "S3"} {
		m.AddStudent(Student{ID: id, UserID: "U-" + id, Name: "Student " + id, Email: id + "@example.edu"})
		m.Enroll(id, "C1")
	}
}
