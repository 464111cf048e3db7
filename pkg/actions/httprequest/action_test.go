package httprequest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brunori/outflow/pkg/actions/httprequest"
	"github.com/brunori/outflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutorConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  map[string]any
		wantErr error
	}{
		{
			name:   "minimal GET",
			config: map[string]any{"url": "https://api.example.com/data"},
		},
		{
			name: "POST with headers and JSON body",
			config: map[string]any{
				"url":    "https://api.example.com/create",
				"method": "post",
				"headers": map[string]any{
					"Authorization": "secretref://env/billing/api_key",
				},
				"body":    map[string]any{"key": "value"},
				"timeout": 5.0,
			},
		},
		{
			name:    "missing url",
			config:  map[string]any{"method": "GET"},
			wantErr: httprequest.ErrURLRequired,
		},
		{
			name:    "bogus method",
			config:  map[string]any{"url": "https://api.example.com", "method": "FETCH"},
			wantErr: httprequest.ErrInvalidMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			executor, err := httprequest.NewExecutor(tt.config)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.NotNil(t, executor)
		})
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))

		var payload map[string]any

		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "value", payload["key"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer server.Close()

	executor, err := httprequest.NewExecutor(map[string]any{
		"url":     server.URL,
		"method":  "POST",
		"headers": map[string]any{"Authorization": "Bearer token123"},
		"body":    map[string]any{"key": "value"},
	})
	require.NoError(t, err)

	output, err := executor.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, output["status_code"])
	assert.JSONEq(t, `{"id": 42}`, output["body"].(string))
	assert.Equal(t, map[string]any{"id": float64(42)}, output["json"])
}

func TestExecuteServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor, err := httprequest.NewExecutor(map[string]any{"url": server.URL})
	require.NoError(t, err)

	output, err := executor.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, protocol.IsPermanent(err))
	assert.Equal(t, http.StatusServiceUnavailable, output["status_code"])
}

func TestExecuteClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such resource", http.StatusNotFound)
	}))
	defer server.Close()

	executor, err := httprequest.NewExecutor(map[string]any{"url": server.URL})
	require.NoError(t, err)

	output, err := executor.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, protocol.IsPermanent(err))
	assert.Equal(t, http.StatusNotFound, output["status_code"])
}

func TestExecuteConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	executor, err := httprequest.NewExecutor(map[string]any{"url": server.URL})
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, protocol.IsPermanent(err))
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	executor, err := httprequest.NewExecutor(map[string]any{"url": server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = executor.Execute(ctx, nil)
	require.Error(t, err)
	assert.False(t, protocol.IsPermanent(err))
}
