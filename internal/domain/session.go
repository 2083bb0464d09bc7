package domain

import (
	"time"
)

// Page identifies the coarse stage a participant is on.
type Page string

// Pages in the order a participant visits them.
const (
	PageConsent Page = "consent"
	PageIntro   Page = "intro"
	PageDemo    Page = "demo"
	PageTrial   Page = "trial"
	PageFinal   Page = "final"
	PageDebrief Page = "debrief"
)

// Valid reports whether p is one of the known pages.
func (p Page) Valid() bool {
	switch p {
	case PageConsent, PageIntro, PageDemo, PageTrial, PageFinal, PageDebrief:
		return true
	}
	return false
}

// Session is the durable record of one participant's run through the study.
type Session struct {
	SessionID  string
	ScenarioID string
	SequenceID string

	Page    Page
	Ordinal int
	Step    int

	ConsentGiven             bool
	InstructedResponsePassed *bool
	DataQuality              *bool
	DataQualityComment       string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	AbandonedAt *time.Time
}

// Completed returns true once the debrief has been submitted.
func (s *Session) Completed() bool {
	return s.CompletedAt != nil
}

// CountsAsCoverage reports whether the session is evidence that its
// (sequence, scenario) condition is occupied: it either finished with usable
// data or was created within lockWindow of now.
func (s *Session) CountsAsCoverage(now time.Time, lockWindow time.Duration) bool {
	if s.CompletedAt != nil && s.DataQuality != nil && *s.DataQuality {
		return true
	}
	return s.CreatedAt.After(now.Add(-lockWindow))
}

// Demographics is the questionnaire submitted at debrief.
type Demographics struct {
	DemographicID     string    `json:"-"`
	SessionID         string    `json:"-"`
	Country           string    `json:"country"`
	Gender            string    `json:"gender"`
	Age               int       `json:"age"`
	EducationLevel    string    `json:"education_level"`
	AIProficiency     int       `json:"ai_proficiency"`
	FinancialLiteracy int       `json:"financial_literacy"`
	CreatedAt         time.Time `json:"-"`
}
