package services

import (
	"regexp"
	"strings"

	"github.com/Lllllllleong/recordflow/internal/models"
)

const (
	MinAge = 18
	MaxAge = 65
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@([A-Za-z0-9.-]+\.[A-Za-z]{2,})$`)

// rule returns a violation message, or "" when the record passes.
type rule func(u *models.User) string

var userRules = []rule{
	func(u *models.User) string {
		if u.ID == nil || *u.ID <= 0 {
			return "ID must be positive integer"
		}
		return ""
	},
	func(u *models.User) string {
		if isBlank(u.FirstName) {
			return "firstName required"
		}
		return ""
	},
	func(u *models.User) string {
		switch {
		case isBlank(u.Email):
			return "email required"
		case !emailPattern.MatchString(u.Email):
			return "email invalid format"
		}
		return ""
	},
	func(u *models.User) string {
		switch {
		case u.Age == nil:
			return "age required"
		case *u.Age < MinAge || *u.Age > MaxAge:
			return "age must be between 18 and 65"
		}
		return ""
	},
	func(u *models.User) string {
		switch {
		case u.Company == nil:
			return "company required"
		case isBlank(u.Company.Department):
			return "company.department required"
		}
		return ""
	},
}

// ValidateUser evaluates every rule and collects each violation in rule order.
func ValidateUser(u *models.User) models.ValidationOutcome {
	if u == nil {
		return models.ValidationOutcome{Errors: []string{"record is empty"}}
	}
	var errs []string
	for _, r := range userRules {
		if msg := r(u); msg != "" {
			errs = append(errs, msg)
		}
	}
	return models.ValidationOutcome{Record: u, Valid: len(errs) == 0, Errors: errs}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
