package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePut(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root, "http://localhost:8080/media/")

	obj, err := s.Put(context.Background(), "incidents/abc/photo.jpg", "image/jpeg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "incidents/abc/photo.jpg", obj.Path)
	assert.Equal(t, "http://localhost:8080/media/incidents/abc/photo.jpg", obj.URL)
	assert.Equal(t, 4, obj.Size)

	data, err := os.ReadFile(filepath.Join(root, "incidents", "abc", "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root, "")

	obj, err := s.Put(context.Background(), "../../etc/passwd", "text/plain", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "etc/passwd", obj.Path)
	_, err = os.Stat(filepath.Join(root, "etc", "passwd"))
	assert.NoError(t, err)

	_, err = s.Put(context.Background(), "  ", "text/plain", []byte("x"))
	assert.Error(t, err)
}

func TestSupabaseStorePut(t *testing.T) {
	var gotPath, gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Key":"media/incidents/1/a.png"}`))
	}))
	defer srv.Close()

	s := NewSupabaseStore(srv.URL, "service-key", "media", nil)
	obj, err := s.Put(context.Background(), "incidents/1/a.png", "image/png", []byte("png"))
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/media/incidents/1/a.png", gotPath)
	assert.Equal(t, "Bearer service-key", gotAuth)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "png", gotBody)
	assert.Equal(t, srv.URL+"/storage/v1/object/public/media/incidents/1/a.png", obj.URL)
}

func TestSupabaseStoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"statusCode":"409","error":"Duplicate","message":"The resource already exists"}`))
	}))
	defer srv.Close()

	s := NewSupabaseStore(srv.URL, "k", "media", nil)
	_, err := s.Put(context.Background(), "a.png", "image/png", []byte("png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The resource already exists")
}
