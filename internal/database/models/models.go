package models

import "time"

// CallForward is a persisted forwarding rule: calls from FromExtension that
// arrive in one of Contexts are redirected to ToExtension.
type CallForward struct {
	ID            int64
	FromExtension string
	ToExtension   string
	Contexts      []string // dialplan context names, sorted
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
