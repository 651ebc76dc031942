package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"names":{}}`, Done: true})
	}))
	defer srv.Close()

	// an OpenAI-style /v1 suffix is tolerated
	p := NewOllamaProvider(srv.URL+"/v1/", "llama3.2")
	out, err := p.GenerateText(context.Background(), "rename these")
	require.NoError(t, err)
	assert.Equal(t, `{"names":{}}`, out)
}

func TestOllamaProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "").GenerateText(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenAIProvider_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "make variants", req.Messages[1].Content)
		}

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"variants\":[]}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/", "sk-test", "")
	out, err := p.GenerateText(context.Background(), "make variants")
	require.NoError(t, err)
	assert.Equal(t, `{"variants":[]}`, out)
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "", "m").GenerateText(context.Background(), "x")
	assert.Error(t, err)
}
