package qr

import (
	"fmt"
	"time"
)

// Rejection reasons returned when a token cannot be redeemed.
const (
	ReasonExpired     = "Token has expired"
	ReasonNotYetValid = "Token is not yet valid"
	ReasonQuotaUsed   = "Token has reached maximum usage limit"
)

// CheckValidity reports whether t can be redeemed at now. The first failing
// condition wins, in this order: expired, not yet valid, quota used, status.
func CheckValidity(t Token, now time.Time) (bool, string) {
	switch {
	case now.After(t.ValidUntil):
		return false, ReasonExpired
	case now.Before(t.ValidFrom):
		return false, ReasonNotYetValid
	case t.UsedCount >= t.MaxUses:
		return false, ReasonQuotaUsed
	case t.Status != StatusActive:
		return false, fmt.Sprintf("Token status is %s", t.Status)
	}
	return true, ""
}
