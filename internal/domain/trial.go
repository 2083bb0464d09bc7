package domain

import "time"

// AllocationType tags which decision an allocation row records.
type AllocationType string

const (
	AllocationInitial AllocationType = "initial"
	AllocationAI      AllocationType = "ai"
	AllocationFinal   AllocationType = "final"
)

// Valid reports whether t is a known allocation type.
func (t AllocationType) Valid() bool {
	switch t {
	case AllocationInitial, AllocationAI, AllocationFinal:
		return true
	}
	return false
}

// Trial is created the first time a session touches a trial identity.
type Trial struct {
	TrialID     string
	SessionID   string
	TrialNumber int
	ReturnA     float64
	ReturnB     float64
	CreatedAt   time.Time
}

// Allocation is one recorded split between fund A and fund B.
// FundA + FundB is always 100.
type Allocation struct {
	AllocationID    string
	TrialID         string
	TrialNumber     int
	Type            AllocationType
	FundA           int
	FundB           int
	PortfolioReturn *float64
	CreatedAt       time.Time
}
