package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRules(t *testing.T) {
	rules := StaticRules{
		Readers: map[string]map[string]bool{
			"viewer": {"doc-1": true},
			"anyone": {"*": true},
		},
		Writers: map[string]map[string]bool{
			"editor": {"doc-1": true},
		},
	}
	ctx := context.Background()

	// writers may write and attach
	assert.NoError(t, rules.Authorize(ctx, "editor", "doc-1", ActionWrite))
	assert.NoError(t, rules.Authorize(ctx, "editor", "doc-1", ActionAttach))
	assert.ErrorIs(t, rules.Authorize(ctx, "editor", "doc-2", ActionWrite), ErrDenied)

	// readers may attach but not write
	assert.NoError(t, rules.Authorize(ctx, "viewer", "doc-1", ActionAttach))
	assert.ErrorIs(t, rules.Authorize(ctx, "viewer", "doc-1", ActionWrite), ErrDenied)

	// wildcard grants
	assert.NoError(t, rules.Authorize(ctx, "anyone", "doc-42", ActionAttach))

	// unknown or empty clients are refused
	assert.ErrorIs(t, rules.Authorize(ctx, "stranger", "doc-1", ActionAttach), ErrDenied)
	assert.ErrorIs(t, rules.Authorize(ctx, "", "doc-1", ActionAttach), ErrDenied)
}

func TestHTTPAuthorizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID string `json:"clientId"`
			DocID    string `json:"docId"`
			Action   string `json:"action"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "attach", req.Action)

		switch req.ClientID {
		case "granted":
			_ = json.NewEncoder(w).Encode(map[string]bool{"allow": true})
		case "refused":
			_ = json.NewEncoder(w).Encode(map[string]bool{"allow": false})
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	auth := NewHTTPAuthorizer(srv.URL)
	ctx := context.Background()

	assert.NoError(t, auth.Authorize(ctx, "granted", "doc-1", ActionAttach))
	assert.ErrorIs(t, auth.Authorize(ctx, "refused", "doc-1", ActionAttach), ErrDenied)
	assert.ErrorIs(t, auth.Authorize(ctx, "unknown", "doc-1", ActionAttach), ErrDenied)
}
