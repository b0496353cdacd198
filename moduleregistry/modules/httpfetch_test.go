package modules_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowmanager/engine/moduleregistry"
	"github.com/workflowmanager/engine/moduleregistry/modules"
)

func TestHTTPFetchReturnsStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	m, err := modules.NewHTTPFetch(nil)
	require.NoError(t, err)

	out, err := m.Execute(context.Background(), map[string]any{"url": server.URL}, moduleregistry.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out["status_code"])
	assert.Equal(t, "hello", out["body"])

	headers, ok := out["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "value", headers["X-Test"])
}

func TestHTTPFetchRequiresURL(t *testing.T) {
	m, err := modules.NewHTTPFetch(nil)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), map[string]any{}, moduleregistry.ExecutionContext{})
	assert.Error(t, err)
}
