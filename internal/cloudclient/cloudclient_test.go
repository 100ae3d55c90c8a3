package cloudclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Casys-AI/casys-pml-sub012/internal/orchestrator"
)

func TestForwardSendsBearerHeaderAndDecodesResponse(t *testing.T) {
	var gotAuth, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		json.NewEncoder(w).Encode(orchestrator.CloudResponse{
			Status: orchestrator.StatusSuccess,
			Result: json.RawMessage(`{"ok":true}`),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	resp, err := c.Forward(context.Background(), orchestrator.Request{Intent: "show tools"})
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "Bearer test-key", gotAuth)
	require.Equal(t, orchestrator.StatusSuccess, resp.Status)
}

func TestForwardReturnsErrorOnHTTPFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Forward(context.Background(), orchestrator.Request{Intent: "x"})
	require.Error(t, err)
}
