// Package api talks to the relay's request/response persistence API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"zecret/crypto"
	"zecret/models"
)

// Client is the persistence API used by a session.
type Client interface {
	// SubmitMessage persists an envelope and returns the server id.
	SubmitMessage(ctx context.Context, envelope crypto.SealedEnvelope) (string, error)
	// FetchHistory returns every stored envelope exchanged with peerID,
	// oldest first.
	FetchHistory(ctx context.Context, peerID string) ([]StoredEnvelope, error)
	// PublicKey returns the PEM public key of userID.
	PublicKey(ctx context.Context, userID string) (string, error)
	// OnlineUsers lists the users currently connected, excluding the caller.
	OnlineUsers(ctx context.Context) ([]models.User, error)
}

// ID is a server-assigned message id. The relay emits strings; numeric ids
// are accepted too.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "decode message id")
		}
		*id = ID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "decode message id")
	}
	*id = ID(n.String())
	return nil
}

// StoredEnvelope is an envelope as returned by the history endpoint. Its
// timestamp is the server's storage time.
type StoredEnvelope struct {
	ID ID `json:"id"`
	crypto.SealedEnvelope
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// PersistenceError reports that an envelope was not durably stored.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("api: message not stored: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
