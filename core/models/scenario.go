package models

import "time"

// Scenario is a user-defined browser script bound to one target and scheduled by cron.
// The scheduler and executor only ever read scenarios.
type Scenario struct {
	ID          string
	ProjectID   string
	ProjectName string
	TargetID    string
	Name        string
	Code        string // script document, see sandbox.ParseScript
	Schedule    string // cron expression
	Active      bool
	Target      *Target
	Owner       *User
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Target is the site a scenario exercises
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// User owns the project a scenario belongs to
type User struct {
	ID    string
	Email string
	Name  string
}

// TargetURL returns the joined target URL, or "" when the target was not loaded
func (s *Scenario) TargetURL() string {
	if s == nil || s.Target == nil {
		return ""
	}
	return s.Target.URL
}
