// Package roster resolves courses, teachers, students and course enrollments.
// These records are owned by other modules; this service only reads them.
package roster

// Course is the summary of a course referenced by a QR token.
type Course struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Code  string `json:"code"`
}

// Teacher is a teaching profile backed by a user account.
type Teacher struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Student is a student profile backed by a user account.
type Student struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}
