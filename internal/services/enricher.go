package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Lllllllleong/recordflow/internal/models"
)

// UnknownDepartmentCode is assigned when a department is not in the table.
const UnknownDepartmentCode = "UNK"

// ErrEnrichmentTable means the department table could not be loaded.
var ErrEnrichmentTable = errors.New("department table unavailable")

// DepartmentTable maps department names to codes. Lookups are case-sensitive.
type DepartmentTable struct {
	codes map[string]string
}

func NewDepartmentTable(codes map[string]string) *DepartmentTable {
	c := make(map[string]string, len(codes))
	for k, v := range codes {
		c[k] = v
	}
	return &DepartmentTable{codes: c}
}

// LoadDepartmentTable reads a "department,code" CSV with a header row.
// A missing, unreadable or empty file is an error.
func LoadDepartmentTable(path string) (*DepartmentTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnrichmentTable, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	codes := make(map[string]string)
	header := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrEnrichmentTable, path, err)
		}
		if header {
			header = false
			continue
		}
		if len(rec) < 2 {
			continue
		}
		name, code := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if name == "" || code == "" {
			continue
		}
		codes[name] = code
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: %s has no mappings", ErrEnrichmentTable, path)
	}
	slog.Info("Department table loaded.", "path", path, "mappings", len(codes))
	return &DepartmentTable{codes: codes}, nil
}

// Code returns the code for name, or UnknownDepartmentCode.
func (t *DepartmentTable) Code(name string) string {
	if code, ok := t.codes[name]; ok {
		return code
	}
	return UnknownDepartmentCode
}

func (t *DepartmentTable) Len() int { return len(t.codes) }

// Enricher turns a valid user into the record written to the success file.
type Enricher struct {
	table *DepartmentTable
	now   func() time.Time
}

func NewEnricher(table *DepartmentTable) (*Enricher, error) {
	if table == nil || table.Len() == 0 {
		return nil, ErrEnrichmentTable
	}
	return &Enricher{table: table, now: time.Now}, nil
}

// Enrich must only be called with a user that passed ValidateUser.
func (e *Enricher) Enrich(u *models.User) models.EnrichedUser {
	var id int64
	if u.ID != nil {
		id = *u.ID
	}
	department := ""
	if u.Company != nil {
		department = u.Company.Department
	}
	return models.EnrichedUser{
		ID:             id,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Email:          u.Email,
		Phone:          u.Phone,
		Username:       u.Username,
		BirthDate:      u.BirthDate,
		Image:          u.Image,
		Address:        u.Address,
		Company:        u.Company,
		Bank:           u.Bank,
		DepartmentCode: e.table.Code(department),
		InsertionDate:  e.now().UTC(),
	}
}
