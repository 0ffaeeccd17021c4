package models

import (
	"encoding/json"
	"time"
)

// RawRecord is one source record in its original JSON encoding.
type RawRecord = json.RawMessage

// ValidationOutcome is the result of checking one record against every rule.
type ValidationOutcome struct {
	Record *User    `json:"record"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// EnrichedUser is a valid user as written to the success file. Password, age and
// crypto details are not carried forward.
type EnrichedUser struct {
	ID             int64     `json:"id"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone,omitempty"`
	Username       string    `json:"username,omitempty"`
	BirthDate      string    `json:"birthDate,omitempty"`
	Image          string    `json:"image,omitempty"`
	Address        *Address  `json:"address,omitempty"`
	Company        *Company  `json:"company,omitempty"`
	Bank           *Bank     `json:"bank,omitempty"`
	DepartmentCode string    `json:"departmentCode"`
	InsertionDate  time.Time `json:"insertionDate"`
}

// DeadLetterEntry carries a rejected record exactly as it was read, with every reason.
type DeadLetterEntry struct {
	OriginalRecord json.RawMessage `json:"originalRecord"`
	ErrorReasons   []string        `json:"errorReasons"`
	ErrorTimestamp time.Time       `json:"errorTimestamp"`
}
