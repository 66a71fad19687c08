package vllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/providers"
)

func TestCallSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Hello from vLLM!"}}]}`))
	}))
	defer ts.Close()

	a := New("vllm", ts.URL)
	out, err := a.Call(context.Background(), "local-model", adapter.Query{Text: "hi"}, adapter.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Hello from vLLM!", out.Text)
}

func TestCallRoundRobinsEndpoints(t *testing.T) {
	var hits [2]int
	ts1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[0]++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts1.Close()
	ts2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[1]++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts2.Close()

	a := New("vllm", ts1.URL, WithEndpoints(ts2.URL))
	for i := 0; i < 4; i++ {
		_, err := a.Call(context.Background(), "local-model", adapter.Query{Text: "hi"}, adapter.Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, hits[0])
	assert.Equal(t, 2, hits[1])
}

func TestCallRateLimitClassifiedRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	a := New("vllm", ts.URL)
	a.retry.BaseDelay = 1
	_, err := a.Call(context.Background(), "local-model", adapter.Query{Text: "hi"}, adapter.Options{})
	require.Error(t, err)
	assert.Equal(t, providers.ErrRateLimited, classify(err))
}

func TestCallServerErrorClassifiedTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`internal error`))
	}))
	defer ts.Close()

	a := New("vllm", ts.URL)
	a.retry.BaseDelay = 1
	_, err := a.Call(context.Background(), "local-model", adapter.Query{Text: "hi"}, adapter.Options{})
	require.Error(t, err)
	assert.Equal(t, providers.ErrTransient, classify(err))
}

func TestCallPayloadShape(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	a := New("vllm", ts.URL)
	_, err := a.Call(context.Background(), "my-local-model", adapter.Query{Text: "Hello"}, adapter.Options{})
	require.NoError(t, err)
	assert.Equal(t, "my-local-model", payload["model"])
}

func TestClassifyNonStatusError(t *testing.T) {
	assert.Equal(t, providers.ErrFatal, classify(context.DeadlineExceeded))
}
