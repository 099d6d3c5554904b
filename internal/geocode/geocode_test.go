package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeocodeParsesFeatures(t *testing.T) {
	var gotToken, gotCountry, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		gotCountry = r.URL.Query().Get("country")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"features":[
			{"place_name":"Pasaje Los Aromos 123, Renca","relevance":0.8,"center":[-70.72,-33.40]},
			{"place_name":"Los Aromos, Renca","relevance":0.95,"center":[-70.71,-33.41]},
			{"place_name":"broken","relevance":1,"center":[]}
		]}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: "tok", Country: "cl"})
	matches, err := c.Geocode(context.Background(), "Los Aromos 123")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "cl", gotCountry)
	assert.Equal(t, "/geocoding/v5/mapbox.places/Los Aromos 123.json", gotPath)
	assert.InDelta(t, -33.40, matches[0].Latitude, 1e-9)
	assert.InDelta(t, -70.72, matches[0].Longitude, 1e-9)

	best, ok := Best(matches)
	require.True(t, ok)
	assert.Equal(t, "Los Aromos, Renca", best.Address)
}

func TestGeocodeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Not Authorized - Invalid Token"}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: "bad"})
	_, err := c.Geocode(context.Background(), "Renca")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid Token")
}

func TestGeocodeRequiresToken(t *testing.T) {
	c := New(Options{})
	_, err := c.Geocode(context.Background(), "Renca")
	assert.Error(t, err)

	_, ok := Best(nil)
	assert.False(t, ok)
}
