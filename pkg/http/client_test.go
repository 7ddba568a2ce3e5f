package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Backoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	opts.BreakerDelay = time.Minute
	return opts
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var attempts int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClientWithOptions(5*time.Second, fastOptions())
	resp, err := client.PostJSON(context.Background(), server.URL, map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.JSONEq(t, `{"text":"hi"}`, lastBody.Load().(string), "body is resent on every attempt")
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad chat id"))
	}))
	defer server.Close()

	client := NewClientWithOptions(5*time.Second, fastOptions())
	_, err := client.PostJSON(context.Background(), server.URL, map[string]string{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad chat id", string(apiErr.Body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_CircuitBreaker(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := fastOptions()
	opts.MaxRetries = 0
	client := NewClientWithOptions(5*time.Second, opts)

	// 5 failures out of 10 opens the breaker.
	for i := 0; i < 10; i++ {
		_, _ = client.PostJSON(context.Background(), server.URL, nil)
	}

	before := atomic.LoadInt32(&attempts)
	_, err := client.PostJSON(context.Background(), server.URL, nil)
	assert.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&attempts), "open circuit must not reach the server")
}
