package attendance

import "time"

// Status of a daily attendance record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
	StatusLate    Status = "LATE"
	StatusExcused Status = "EXCUSED"
)

// DateLayout is the wire format of Record.Date.
const DateLayout = "2006-01-02"

// Record is one user's attendance for one course on one day.
type Record struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	CourseID    string     `json:"courseId"`
	Date        string     `json:"date"`
	Status      Status     `json:"status"`
	QRCodeID    *string    `json:"qrCodeId,omitempty"`
	CheckInTime *time.Time `json:"checkInTime,omitempty"`
	Location    *string    `json:"location,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// MarkRequest upserts a PRESENT record for (UserID, CourseID, Date).
type MarkRequest struct {
	UserID      string    `json:"userId"`
	CourseID    string    `json:"courseId"`
	Date        string    `json:"date"`
	TokenID     string    `json:"tokenId"`
	CheckInTime time.Time `json:"checkInTime"`
	Location    string    `json:"location,omitempty"`
}

// Day formats t as a calendar date in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}
