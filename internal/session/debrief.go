package session

import (
	"fmt"
	"strings"

	"github.com/ashureev/allocation-study/internal/domain"
)

const (
	minAge   = 18
	maxAge   = 100
	minScale = 1
	maxScale = 7
)

func validateDebrief(d *Debrief) error {
	demo := &d.Demographics
	demo.Country = strings.TrimSpace(demo.Country)
	demo.Gender = strings.TrimSpace(demo.Gender)
	demo.EducationLevel = strings.TrimSpace(demo.EducationLevel)
	d.Comment = strings.TrimSpace(d.Comment)

	switch {
	case !d.Consent:
		return domain.Validation("consent_required", "please confirm your consent to submit")
	case demo.Country == "":
		return domain.Validation("country_required", "please select your country")
	case demo.Gender == "":
		return domain.Validation("gender_required", "please select your gender")
	case demo.Age < minAge || demo.Age > maxAge:
		return domain.Validation("age_out_of_range", fmt.Sprintf("age must be between %d and %d", minAge, maxAge))
	case demo.EducationLevel == "":
		return domain.Validation("education_required", "please select your education level")
	case demo.AIProficiency < minScale || demo.AIProficiency > maxScale:
		return domain.Validation("ai_proficiency_out_of_range",
			fmt.Sprintf("AI proficiency must be between %d and %d", minScale, maxScale))
	case demo.FinancialLiteracy < minScale || demo.FinancialLiteracy > maxScale:
		return domain.Validation("financial_literacy_out_of_range",
			fmt.Sprintf("financial literacy must be between %d and %d", minScale, maxScale))
	case d.DataQuality == nil:
		return domain.Validation("data_quality_required", "please tell us whether we may use your data")
	case !*d.DataQuality && d.Comment == "":
		return domain.Validation("data_quality_comment_required", "please tell us why your data should not be used")
	}
	return nil
}
