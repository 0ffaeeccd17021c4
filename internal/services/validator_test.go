package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/retry"
	"github.com/Lllllllleong/recordflow/internal/store"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    2,
		InitialDelay:   time.Millisecond,
		Multiplier:     2,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: 2 * time.Second,
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func validUser() *models.User {
	return &models.User{
		ID:        ptr(int64(1)),
		FirstName: "Emily",
		LastName:  "Johnson",
		Email:     "emily.johnson@x.dummyjson.com",
		Age:       ptr(28),
		Company:   &models.Company{Department: "Engineering", Name: "Dooley"},
	}
}

func TestValidateUserAcceptsValidRecord(t *testing.T) {
	out := ValidateUser(validUser())
	assert.True(t, out.Valid)
	assert.Empty(t, out.Errors)
	assert.NotNil(t, out.Record)
}

func TestValidateUserRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(u *models.User)
		want   []string
	}{
		{"missing id", func(u *models.User) { u.ID = nil }, []string{"ID must be positive integer"}},
		{"zero id", func(u *models.User) { u.ID = ptr(int64(0)) }, []string{"ID must be positive integer"}},
		{"blank first name", func(u *models.User) { u.FirstName = "  " }, []string{"firstName required"}},
		{"missing email", func(u *models.User) { u.Email = "" }, []string{"email required"}},
		{"bad email", func(u *models.User) { u.Email = "emily@localhost" }, []string{"email invalid format"}},
		{"missing age", func(u *models.User) { u.Age = nil }, []string{"age required"}},
		{"too young", func(u *models.User) { u.Age = ptr(17) }, []string{"age must be between 18 and 65"}},
		{"too old", func(u *models.User) { u.Age = ptr(66) }, []string{"age must be between 18 and 65"}},
		{"no company", func(u *models.User) { u.Company = nil }, []string{"company required"}},
		{"blank department", func(u *models.User) { u.Company.Department = "" }, []string{"company.department required"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUser()
			tt.mutate(u)
			out := ValidateUser(u)
			assert.False(t, out.Valid)
			assert.Equal(t, tt.want, out.Errors)
		})
	}
}

func TestValidateUserBoundaryAges(t *testing.T) {
	for _, age := range []int{MinAge, MaxAge} {
		u := validUser()
		u.Age = ptr(age)
		assert.True(t, ValidateUser(u).Valid, "age %d", age)
	}
}

func TestValidateUserAccumulatesErrors(t *testing.T) {
	u := validUser()
	u.Email = ""
	u.Age = nil
	u.FirstName = ""

	out := ValidateUser(u)
	assert.False(t, out.Valid)
	assert.Equal(t, []string{"firstName required", "email required", "age required"}, out.Errors)
}

func TestValidateUserNil(t *testing.T) {
	out := ValidateUser(nil)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Errors)
}
