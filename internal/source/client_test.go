package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/recordflow/internal/retry"
)

func TestFetchSendsPagingParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{{"id": skip + 1, "firstName": "Emily"}},
			"total": 208,
			"skip":  skip,
			"limit": limit,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/users", WithRateLimit(0))
	require.NoError(t, err)

	page, err := c.Fetch(context.Background(), 100, 50)
	require.NoError(t, err)
	assert.Equal(t, 100, page.Skip)
	assert.Equal(t, 50, page.Limit)
	assert.Equal(t, 208, page.Total)
	require.Len(t, page.Users, 1)
	assert.JSONEq(t, `{"id":101,"firstName":"Emily"}`, string(page.Users[0]))
}

func TestFetchClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "server error is retryable", status: http.StatusBadGateway, body: "oops", permanent: false},
		{name: "rate limited is retryable", status: http.StatusTooManyRequests, body: "slow down", permanent: false},
		{name: "not found is permanent", status: http.StatusNotFound, body: "missing", permanent: true},
		{name: "bad json is permanent", status: http.StatusOK, body: "{not json", permanent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL)
			require.NoError(t, err)

			_, err = c.Fetch(context.Background(), 0, 10)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))
		})
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url")
	assert.Error(t, err)
}
