package handler

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"qrattend/internal/apperr"
	"qrattend/internal/qr"
)

const dateLayout = "2006-01-02"

// query reads a closed set of keys; anything else is rejected.
type query struct {
	values url.Values
	err    error
}

func newQuery(values url.Values, allowed ...string) *query {
	q := &query{values: values}
	known := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		known[k] = true
	}
	var unknown []string
	for k := range values {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		q.err = apperr.BadRequest("unknown query parameter: " + strings.Join(unknown, ", "))
	}
	return q
}

func (q *query) str(key string) string {
	return strings.TrimSpace(q.values.Get(key))
}

func (q *query) intVal(key string) int {
	v := q.str(key)
	if v == "" || q.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		q.err = apperr.BadRequest(fmt.Sprintf("%s must be a positive integer", key))
		return 0
	}
	return n
}

func (q *query) boolVal(key string) *bool {
	v := q.str(key)
	if v == "" || q.err != nil {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		q.err = apperr.BadRequest(fmt.Sprintf("%s must be true or false", key))
		return nil
	}
	return &b
}

// timeVal accepts RFC3339 or a plain date. A plain date used as an upper bound
// covers the whole day.
func (q *query) timeVal(key string, upper bool) *time.Time {
	v := q.str(key)
	if v == "" || q.err != nil {
		return nil
	}
	t, err := parseTime(v, upper)
	if err != nil {
		q.err = apperr.BadRequest(fmt.Sprintf("%s must be RFC3339 or YYYY-MM-DD", key))
		return nil
	}
	return &t
}

func parseTime(v string, upper bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

func (q *query) page() qr.Page {
	return qr.Page{Page: q.intVal("page"), Limit: q.intVal("limit")}
}

var (
	tokenListKeys   = []string{"courseId", "teacherId", "status", "startDate", "endDate", "page", "limit", "sortBy", "sortOrder"}
	checkInListKeys = []string{"tokenId", "userId", "courseId", "isValid", "startDate", "endDate", "page", "limit", "sortBy", "sortOrder"}
	statsKeys       = []string{"courseId", "teacherId"}
	imageKeys       = []string{"size"}
)

func tokenFilter(values url.Values) (qr.TokenFilter, error) {
	q := newQuery(values, tokenListKeys...)
	f := qr.TokenFilter{
		CourseID:  q.str("courseId"),
		TeacherID: q.str("teacherId"),
		Status:    qr.Status(strings.ToUpper(q.str("status"))),
		From:      q.timeVal("startDate", false),
		To:        q.timeVal("endDate", true),
		Page:      q.page(),
		SortBy:    q.str("sortBy"),
		SortOrder: qr.SortOrder(strings.ToLower(q.str("sortOrder"))),
	}
	return f, q.err
}

func checkInFilter(values url.Values) (qr.CheckInFilter, error) {
	q := newQuery(values, checkInListKeys...)
	f := qr.CheckInFilter{
		TokenID:   q.str("tokenId"),
		UserID:    q.str("userId"),
		CourseID:  q.str("courseId"),
		IsValid:   q.boolVal("isValid"),
		From:      q.timeVal("startDate", false),
		To:        q.timeVal("endDate", true),
		Page:      q.page(),
		SortBy:    q.str("sortBy"),
		SortOrder: qr.SortOrder(strings.ToLower(q.str("sortOrder"))),
	}
	return f, q.err
}
