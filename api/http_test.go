package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zecret/crypto"
)

func newTestClient(t *testing.T, handler http.Handler, retries int) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(HTTPOptions{BaseURL: server.URL + "/", Token: "tok", ReadRetries: retries})
	require.NoError(t, err)
	return client
}

func sampleEnvelope() crypto.SealedEnvelope {
	return crypto.SealedEnvelope{
		SenderID:         "alice",
		RecipientID:      "bob",
		EncryptedContent: crypto.EncryptedContent{IV: []byte{1, 2}, Ciphertext: []byte{3, 4}},
		EncryptedKey:     []byte{5},
		Signature:        []byte{6},
		Timestamp:        "2024-01-01T00:00:00.000Z",
	}
}

func TestSubmitMessage(t *testing.T) {
	var got crypto.SealedEnvelope
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":"Message stored successfully","id":"a1b2"}`))
	}), -1)

	id, err := client.SubmitMessage(context.Background(), sampleEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "a1b2", id)
	assert.Equal(t, sampleEnvelope(), got)
}

func TestSubmitMessageFailureIsPersistenceError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to store message"}`))
	}), 3)

	_, err := client.SubmitMessage(context.Background(), sampleEnvelope())
	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "Failed to store message", statusErr.Message)
	assert.EqualValues(t, 1, calls.Load(), "submissions are not retried")
}

func TestSubmitMessageRejectsIncompleteEnvelope(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler(), -1)

	envelope := sampleEnvelope()
	envelope.Signature = nil
	_, err := client.SubmitMessage(context.Background(), envelope)
	var persistErr *PersistenceError
	require.True(t, errors.As(err, &persistErr))
}

func TestFetchHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "bob", r.URL.Query().Get("user_id"))
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"m1","sender_id":"bob","recipient_id":"alice",
			 "encrypted_content":"{\"iv\": \"AQI=\", \"ciphertext\": \"AwQ=\"}",
			 "encrypted_key":"BQ==","signature":"Bg==","timestamp":"2024-01-01T10:00:00.123456"},
			{"id":7,"sender_id":"alice","recipient_id":"bob",
			 "encrypted_content":{"iv":"AQI=","ciphertext":"AwQ="},
			 "encrypted_key":"BQ==","signature":"Bw==","timestamp":"2024-01-01T10:01:00"}
		]}`))
	}), -1)

	history, err := client.FetchHistory(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, ID("m1"), history[0].ID)
	assert.Equal(t, "bob", history[0].SenderID)
	assert.Equal(t, []byte{1, 2}, history[0].EncryptedContent.IV)
	assert.Equal(t, []byte{3, 4}, history[0].EncryptedContent.Ciphertext)
	assert.Equal(t, ID("7"), history[1].ID)
	assert.Equal(t, []byte{7}, history[1].Signature)
}

func TestReadsRetryTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"public_key":"PEM"}`))
	}), 1)

	key, err := client.PublicKey(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "PEM", key)
	assert.EqualValues(t, 2, calls.Load())
}

func TestReadsDoNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/users/ghost/public-key", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"User not found"}`))
	}), 3)

	_, err := client.PublicKey(context.Background(), "ghost")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestOnlineUsers(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/online", r.URL.Path)
		_, _ = w.Write([]byte(`{"users":[{"id":"bob","display_name":"Bob"},{"id":"carol","display_name":"Carol"}]}`))
	}), -1)

	users, err := client.OnlineUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Bob", users[0].DisplayName)
}

func TestNewHTTPClientValidatesBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPOptions{})
	assert.Error(t, err)
	_, err = NewHTTPClient(HTTPOptions{BaseURL: "ftp://relay"})
	assert.Error(t, err)
}

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	var ids []ID
	require.NoError(t, json.Unmarshal([]byte(`["abc", 12, null]`), &ids))
	assert.Equal(t, []ID{"abc", "12", ""}, ids)
}
