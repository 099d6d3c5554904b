package report

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"techo/internal/domain"
)

func TestIncidentsWorkbook(t *testing.T) {
	cat := domain.CategoryPlomeria
	assignee := "tech-1"
	data, err := IncidentsWorkbook([]domain.Incident{
		{ID: "inc-1", HousingUnitID: "u-1", ReporterID: "ben-1", Description: "Gotera", Category: &cat,
			Priority: domain.PriorityAlta, Status: domain.StatusAbierta, AssigneeID: &assignee, ReportedAt: "2025-03-01T10:00:00Z"},
		{ID: "inc-2", HousingUnitID: "u-1", ReporterID: "ben-1", Description: "Muro", Priority: domain.PriorityBaja,
			Status: domain.StatusCerrada, ReportedAt: "2025-03-02T10:00:00Z"},
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{exportSheet}, f.GetSheetList())
	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeaders[0], rows[0][0])
	assert.Equal(t, "inc-1", rows[1][0])
	assert.Equal(t, "plomeria", rows[1][4])
	assert.Equal(t, "tech-1", rows[1][7])
	assert.Equal(t, "cerrada", rows[2][6])
}

func TestGotenbergRender(t *testing.T) {
	var gotPath, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		file, header, err := r.FormFile("files")
		if err == nil {
			body, _ := io.ReadAll(file)
			gotFile = header.Filename + ":" + string(body)
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	g := NewGotenberg(srv.URL, 0, nil)
	pdf, err := g.RenderPDF(context.Background(), []byte("<p>hola</p>"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(pdf))
	assert.Equal(t, "/forms/chromium/convert/html", gotPath)
	assert.Equal(t, "index.html:<p>hola</p>", gotFile)
}

func TestGotenbergFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGotenberg(srv.URL, 0, nil)
	_, err := g.RenderPDF(context.Background(), []byte("<p>x</p>"))
	assert.Error(t, err)

	_, err = g.RenderPDF(context.Background(), nil)
	assert.Error(t, err)
}
