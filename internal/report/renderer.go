package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Renderer turns an HTML document into a PDF.
type Renderer interface {
	RenderPDF(ctx context.Context, html []byte) ([]byte, error)
}

// Gotenberg renders through a Gotenberg (or compatible) Chromium service.
type Gotenberg struct {
	client *resty.Client
	logger *zap.Logger
}

func NewGotenberg(baseURL string, timeout time.Duration, logger *zap.Logger) *Gotenberg {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	return &Gotenberg{client: client, logger: logger}
}

func (g *Gotenberg) RenderPDF(ctx context.Context, html []byte) ([]byte, error) {
	if len(html) == 0 {
		return nil, errors.New("empty document")
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetFileReader("files", "index.html", bytes.NewReader(html)).
		SetFormData(map[string]string{
			"paperWidth":      "8.27",
			"paperHeight":     "11.7",
			"printBackground": "true",
		}).
		Post("/forms/chromium/convert/html")
	if err != nil {
		g.logger.Error("pdf render failed", zap.Error(err))
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	if resp.IsError() {
		g.logger.Error("pdf renderer rejected document",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", strings.TrimSpace(resp.String())))
		return nil, fmt.Errorf("render pdf: status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
