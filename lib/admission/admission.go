// Package admission defines the authorization boundary consulted before a
// client may attach to a document or submit edits. The engine itself trusts
// every update it is handed; this gate is the only place identity and
// permissions are checked, and it sits strictly outside the merge path.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Action is the operation a client asks permission for.
type Action string

const (
	// ActionAttach is joining a document's collaboration group (read).
	ActionAttach Action = "attach"
	// ActionWrite is submitting edits to a document.
	ActionWrite Action = "write"
)

// ErrDenied is returned when the authorizer refuses the action.
var ErrDenied = errors.New("admission: denied")

// IAuthorizer decides whether a client may perform an action on a
// document. A nil error grants; ErrDenied refuses; any other error is an
// authorizer failure and must be treated as a refusal by callers.
//
// Thread-safety: implementations must be safe for concurrent use.
type IAuthorizer interface {
	Authorize(ctx context.Context, clientID, docID string, action Action) error
}

// --------------------------------------------------------------------------
// Implementations
// --------------------------------------------------------------------------

// AllowAll grants every request. Default for single-tenant deployments and
// tests.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string, Action) error { return nil }

// StaticRules grants per-client, per-document permissions from a fixed
// table. Writers may also attach; the empty client id is never granted.
type StaticRules struct {
	// Readers and Writers map client id -> set of document ids. A document
	// set containing "*" grants all documents.
	Readers map[string]map[string]bool
	Writers map[string]map[string]bool
}

func (r StaticRules) Authorize(_ context.Context, clientID, docID string, action Action) error {
	if clientID == "" {
		return ErrDenied
	}
	if allows(r.Writers[clientID], docID) {
		return nil
	}
	if action == ActionAttach && allows(r.Readers[clientID], docID) {
		return nil
	}
	return ErrDenied
}

func allows(docs map[string]bool, docID string) bool {
	return docs != nil && (docs["*"] || docs[docID])
}

// HTTPAuthorizer delegates the decision to an external verification
// endpoint (POST, JSON body, 200 with {"allow":true} grants). Used when an
// auth service owns the permission model.
type HTTPAuthorizer struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPAuthorizer creates an authorizer calling the given endpoint with
// a 3 second request timeout.
func NewHTTPAuthorizer(endpoint string) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, clientID, docID string, action Action) error {
	body, err := json.Marshal(map[string]string{
		"clientId": clientID,
		"docId":    docID,
		"action":   string(action),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("admission: verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrDenied
	}
	var verdict struct {
		Allow bool `json:"allow"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return fmt.Errorf("admission: verify response: %w", err)
	}
	if !verdict.Allow {
		return ErrDenied
	}
	return nil
}
