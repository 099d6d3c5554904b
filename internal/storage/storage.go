package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Object is a stored blob and where clients can fetch it.
type Object struct {
	Path        string `json:"path"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// Store keeps photos and rendered documents.
type Store interface {
	Put(ctx context.Context, objectPath, contentType string, data []byte) (Object, error)
	PublicURL(objectPath string) string
}

// cleanPath rejects absolute paths and parent traversal.
func cleanPath(p string) (string, error) {
	p = strings.TrimLeft(path.Clean("/"+strings.TrimSpace(p)), "/")
	if p == "" || p == "." {
		return "", errors.New("object path required")
	}
	return p, nil
}

// LocalStore writes objects below Root and serves them under BaseURL.
type LocalStore struct {
	Root    string
	BaseURL string
}

func NewLocalStore(root, baseURL string) *LocalStore {
	return &LocalStore{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (s *LocalStore) Put(ctx context.Context, objectPath, contentType string, data []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	p, err := cleanPath(objectPath)
	if err != nil {
		return Object{}, err
	}
	full := filepath.Join(s.Root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Object{}, err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return Object{}, err
	}
	return Object{Path: p, URL: s.PublicURL(p), ContentType: contentType, Size: len(data)}, nil
}

func (s *LocalStore) PublicURL(objectPath string) string {
	p, err := cleanPath(objectPath)
	if err != nil {
		return ""
	}
	if s.BaseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.Root, filepath.FromSlash(p)))
	}
	return s.BaseURL + "/" + p
}

// SupabaseStore uploads to a Supabase Storage bucket with a service key.
type SupabaseStore struct {
	client  *resty.Client
	baseURL string
	bucket  string
	logger  *zap.Logger
}

func NewSupabaseStore(baseURL, serviceKey, bucket string, logger *zap.Logger) *SupabaseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetAuthToken(serviceKey).
		SetHeader("apikey", serviceKey)
	return &SupabaseStore{client: client, baseURL: baseURL, bucket: bucket, logger: logger}
}

type supabaseError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (s *SupabaseStore) objectURL(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return url.PathEscape(s.bucket) + "/" + strings.Join(parts, "/")
}

func (s *SupabaseStore) Put(ctx context.Context, objectPath, contentType string, data []byte) (Object, error) {
	p, err := cleanPath(objectPath)
	if err != nil {
		return Object{}, err
	}
	var apiErr supabaseError
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("x-upsert", "false").
		SetBody(data).
		SetError(&apiErr).
		Post("/storage/v1/object/" + s.objectURL(p))
	if err != nil {
		s.logger.Error("supabase upload failed", zap.String("path", p), zap.Error(err))
		return Object{}, fmt.Errorf("upload %s: %w", p, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		s.logger.Error("supabase rejected upload",
			zap.String("path", p),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", msg))
		return Object{}, fmt.Errorf("upload %s: status %d: %s", p, resp.StatusCode(), msg)
	}
	return Object{Path: p, URL: s.PublicURL(p), ContentType: contentType, Size: len(data)}, nil
}

func (s *SupabaseStore) PublicURL(objectPath string) string {
	p, err := cleanPath(objectPath)
	if err != nil {
		return ""
	}
	return s.baseURL + "/storage/v1/object/public/" + s.objectURL(p)
}
