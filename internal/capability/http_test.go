package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"invoices": [{"id": "inv-1"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPRequest(HTTPConfig{})
	out, err := c.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, result["status_code"])

	body, ok := result["body"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, body["invoices"], 1)
}

func TestHTTPRequest_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewHTTPRequest(HTTPConfig{})
	out, err := c.Execute(context.Background(), map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"customer": "c-1"},
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, http.StatusCreated, result["status_code"])
}

func TestHTTPRequest_AuthAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "v1", r.Header.Get("X-Custom"))
	}))
	defer srv.Close()

	c := NewHTTPRequest(HTTPConfig{})
	_, err := c.Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Custom": "v1"},
		"auth":    map[string]any{"type": "bearer", "token": "tok-1"},
	})
	require.NoError(t, err)
}

func TestHTTPRequest_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPRequest(HTTPConfig{})

	out, err := c.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err, "error statuses are data by default")
	assert.Equal(t, http.StatusBadGateway, out.(map[string]any)["status_code"])

	_, err = c.Execute(context.Background(), map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	require.Error(t, err)
}

func TestHTTPRequest_InvalidInput(t *testing.T) {
	c := NewHTTPRequest(HTTPConfig{})

	_, err := c.Execute(context.Background(), map[string]any{})
	require.Error(t, err)

	_, err = c.Execute(context.Background(), map[string]any{"url": "ftp://nope"})
	require.Error(t, err)
}

func TestJQTransform(t *testing.T) {
	c := NewJQTransform()

	t.Run("object data", func(t *testing.T) {
		out, err := c.Execute(context.Background(), map[string]any{
			"expression": `.invoices | map(.id)`,
			"data": map[string]any{
				"invoices": []any{
					map[string]any{"id": "inv-1"},
					map[string]any{"id": "inv-2"},
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"inv-1", "inv-2"}, out)
	})

	t.Run("non-object data is wrapped", func(t *testing.T) {
		out, err := c.Execute(context.Background(), map[string]any{
			"expression": `length`,
			"data":       []any{1, 2, 3},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out)
	})

	t.Run("all outputs", func(t *testing.T) {
		out, err := c.Execute(context.Background(), map[string]any{
			"expression": `.xs[]`,
			"data":       map[string]any{"xs": []any{1.0, 2.0}},
			"all":        true,
		})
		require.NoError(t, err)
		assert.Equal(t, []any{1.0, 2.0}, out)
	})

	t.Run("missing expression", func(t *testing.T) {
		_, err := c.Execute(context.Background(), map[string]any{"data": map[string]any{}})
		require.Error(t, err)
	})
}

func TestEcho(t *testing.T) {
	c := NewEcho()

	in := map[string]any{"hello": "world"}
	out, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
