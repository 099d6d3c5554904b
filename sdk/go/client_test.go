package techosdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionSendsKeyAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/incidents/inc-1/transitions", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-Api-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "en_proceso", body["to"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"inc-1","status":"en_proceso","priority":"media","version":2}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1")
	c.APIKey = "secret-key"
	inc, err := c.Transition(context.Background(), "inc-1", "en_proceso", "")
	require.NoError(t, err)
	assert.Equal(t, "en_proceso", inc.Status)
	assert.Equal(t, 2, inc.Version)
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"cannot move incident from cerrada to en_proceso","details":{"from":"cerrada","to":"en_proceso"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Transition(context.Background(), "inc-1", "en_proceso", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.Equal(t, "cerrada", apiErr.Details["from"])
}

func TestListIncidentsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "abierta", q.Get("status"))
		assert.Equal(t, "true", q.Get("unassigned"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Empty(t, q.Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"a"},{"id":"b"}],"has_more":true}`))
	}))
	defer srv.Close()

	items, more, err := New(srv.URL).ListIncidents(context.Background(), IncidentQuery{Status: "abierta", Unassigned: true, Limit: 10})
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1].ID)
}

func TestTailEventsKeepsCursorOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	items, next, err := New(srv.URL).TailEvents(context.Background(), 42, 0)
	require.Error(t, err)
	assert.Nil(t, items)
	assert.Equal(t, int64(42), next)
}
