package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	var got struct {
		Model       string              `json:"model"`
		Temperature float64             `json:"temperature"`
		Messages    []map[string]string `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	c := New("key", "openai/gpt-4o", WithBaseURL(srv.URL+"/api/v1/"))
	text, err := c.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, text)

	assert.Equal(t, "openai/gpt-4o", got.Model)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0]["role"])
}

func TestComplete_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer bad" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"no auth"}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := New("bad", "", WithBaseURL(srv.URL)).Complete(context.Background(), "", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = New("good", "", WithBaseURL(srv.URL)).Complete(context.Background(), "", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestNewOpenRouter(t *testing.T) {
	c := NewOpenRouter("k", "")
	assert.Equal(t, OpenRouterBaseURL, c.baseURL)
	assert.Equal(t, "openai/gpt-4o-mini", c.model)
}
