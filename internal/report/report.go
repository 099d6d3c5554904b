package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/engine/auth"
	"techo/internal/events"
	"techo/internal/repo"
	"techo/internal/storage"
)

const historyPageSize = 200

// Service produces incident and checklist documents and spreadsheet exports.
type Service struct {
	Engine   engine.Engine
	Renderer Renderer
	Store    storage.Store
	Logger   *zap.Logger
	// Location is used for the day headings of the history section.
	Location *time.Location
}

func (s Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

type incidentDoc struct {
	Incident  domain.Incident
	Unit      domain.HousingUnit
	Deadlines domain.Deadlines
	Days      []events.DayGroup
	Generated string
}

type formDoc struct {
	Form      domain.ChecklistForm
	Progress  engine.FormProgress
	Days      []events.DayGroup
	Generated string
}

var funcs = template.FuncMap{
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
	"category": func(c *domain.Category) string {
		if c == nil {
			return "sin categoría"
		}
		return string(*c)
	},
	"answer": func(ok *bool) string {
		switch {
		case ok == nil:
			return "sin respuesta"
		case *ok:
			return "conforme"
		default:
			return "no conforme"
		}
	},
	"severity": func(s *domain.Severity) string {
		if s == nil {
			return ""
		}
		return string(*s)
	},
}

var incidentTemplate = template.Must(template.New("incident").Funcs(funcs).Parse(`<!doctype html>
<html lang="es"><head><meta charset="utf-8"><title>Incidencia {{.Incident.ID}}</title>
<style>body{font-family:sans-serif;font-size:12px}table{border-collapse:collapse;width:100%}td,th{border:1px solid #999;padding:4px;text-align:left}h2{margin-top:24px}</style>
</head><body>
<h1>Incidencia {{.Incident.ID}}</h1>
<table>
<tr><th>Vivienda</th><td>{{.Unit.Address}}</td></tr>
<tr><th>Estado</th><td>{{.Incident.Status}}</td></tr>
<tr><th>Categoría</th><td>{{category .Incident.Category}}</td></tr>
<tr><th>Prioridad</th><td>{{.Incident.Priority}}</td></tr>
<tr><th>Reportada</th><td>{{.Incident.ReportedAt}}</td></tr>
<tr><th>Responsable</th><td>{{deref .Incident.AssigneeID}}</td></tr>
<tr><th>Plazo de respuesta</th><td>{{.Deadlines.RespondBy}} ({{.Deadlines.RespondDaysLeft}} días)</td></tr>
{{with .Deadlines.WarrantyUntil}}<tr><th>Garantía legal</th><td>{{.}}</td></tr>{{end}}
</table>
<h2>Descripción</h2>
<p>{{.Incident.Description}}</p>
{{if .Incident.Media}}<h2>Fotografías</h2><ul>{{range .Incident.Media}}<li><a href="{{.URL}}">{{.Path}}</a></li>{{end}}</ul>{{end}}
<h2>Historial</h2>
{{range .Days}}<h3>{{.Day}}</h3><ul>{{range .Events}}<li>{{.TS}} {{.Type}}{{with .ToState}} → {{.}}{{end}} ({{.ActorID}}){{with .Comment}}: {{.}}{{end}}</li>{{end}}</ul>{{end}}
<p><small>Generado {{.Generated}}</small></p>
</body></html>`))

var formTemplate = template.Must(template.New("form").Funcs(funcs).Parse(`<!doctype html>
<html lang="es"><head><meta charset="utf-8"><title>Checklist {{.Form.ID}}</title>
<style>body{font-family:sans-serif;font-size:12px}table{border-collapse:collapse;width:100%}td,th{border:1px solid #999;padding:4px;text-align:left}</style>
</head><body>
<h1>Checklist de postventa</h1>
<p>Estado: {{.Form.Status}} · Plantilla {{.Form.TemplateVersion}} · {{.Progress.Answered}}/{{.Progress.Total}} respondidos, {{.Progress.Failing}} no conformes</p>
<table>
<tr><th>Recinto</th><th>Punto</th><th>Resultado</th><th>Severidad</th><th>Comentario</th><th>Incidencia</th></tr>
{{range .Form.Items}}<tr><td>{{.Room}}</td><td>{{.Label}}</td><td>{{answer .OK}}</td><td>{{severity .Severity}}</td><td>{{.Comment}}</td><td>{{deref .IncidentID}}</td></tr>
{{end}}</table>
<h2>Historial</h2>
{{range .Days}}<h3>{{.Day}}</h3><ul>{{range .Events}}<li>{{.TS}} {{.Type}}{{with .ToState}} → {{.}}{{end}} ({{.ActorID}})</li>{{end}}</ul>{{end}}
<p><small>Generado {{.Generated}}</small></p>
</body></html>`))

// IncidentHTML builds the printable incident dossier.
func (s Service) IncidentHTML(ctx context.Context, actor auth.Actor, id string) ([]byte, error) {
	inc, err := s.Engine.GetIncident(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	unit, err := s.Engine.Repo.GetHousingUnit(ctx, inc.HousingUnitID)
	if err != nil {
		return nil, err
	}
	history, _, err := s.Engine.IncidentHistory(ctx, actor, id, historyPageSize, 0)
	if err != nil {
		return nil, err
	}
	doc := incidentDoc{
		Incident:  inc,
		Unit:      unit,
		Deadlines: s.Engine.Deadlines(inc, unit),
		Days:      events.GroupByDay(history, s.Location),
		Generated: s.Engine.Clock().UTC().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := incidentTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("incident template: %w", err)
	}
	return buf.Bytes(), nil
}

// FormHTML builds the printable checklist.
func (s Service) FormHTML(ctx context.Context, actor auth.Actor, id string) ([]byte, error) {
	form, err := s.Engine.GetForm(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	history, _, err := s.Engine.FormHistory(ctx, actor, id, historyPageSize, 0)
	if err != nil {
		return nil, err
	}
	doc := formDoc{
		Form:      form,
		Progress:  engine.Progress(form),
		Days:      events.GroupByDay(history, s.Location),
		Generated: s.Engine.Clock().UTC().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := formTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("form template: %w", err)
	}
	return buf.Bytes(), nil
}

// IncidentPDF renders the incident dossier and stores it, returning where it lives.
func (s Service) IncidentPDF(ctx context.Context, actor auth.Actor, id string) (storage.Object, error) {
	html, err := s.IncidentHTML(ctx, actor, id)
	if err != nil {
		return storage.Object{}, err
	}
	return s.publish(ctx, "reports/incidents/"+id, html)
}

func (s Service) FormPDF(ctx context.Context, actor auth.Actor, id string) (storage.Object, error) {
	html, err := s.FormHTML(ctx, actor, id)
	if err != nil {
		return storage.Object{}, err
	}
	return s.publish(ctx, "reports/forms/"+id, html)
}

func (s Service) publish(ctx context.Context, prefix string, html []byte) (storage.Object, error) {
	if s.Renderer == nil {
		return storage.Object{}, engine.UpstreamError{Service: "renderer", Err: fmt.Errorf("renderer not configured")}
	}
	if s.Store == nil {
		return storage.Object{}, engine.UpstreamError{Service: "storage", Err: fmt.Errorf("object storage not configured")}
	}
	pdf, err := s.Renderer.RenderPDF(ctx, html)
	if err != nil {
		return storage.Object{}, engine.UpstreamError{Service: "renderer", Err: err}
	}
	name := fmt.Sprintf("%s/%s.pdf", prefix, s.Engine.Clock().UTC().Format("20060102T150405Z"))
	obj, err := s.Store.Put(ctx, name, "application/pdf", pdf)
	if err != nil {
		return storage.Object{}, engine.UpstreamError{Service: "storage", Err: err}
	}
	s.logger().Info("report published", zap.String("path", obj.Path), zap.Int("bytes", obj.Size))
	return obj, nil
}

var exportHeaders = []string{"ID", "Vivienda", "Reportante", "Descripción", "Categoría", "Prioridad", "Estado", "Responsable", "Reportada", "Actualizada", "Resuelta", "Cerrada", "Formulario origen"}

const exportSheet = "Incidencias"

// ExportIncidents writes every incident matching the filter into an XLSX workbook.
func (s Service) ExportIncidents(ctx context.Context, actor auth.Actor, f repo.IncidentFilter) ([]byte, error) {
	var rows []domain.Incident
	f.Offset = 0
	f.Limit = 200
	for {
		page, more, err := s.Engine.ListIncidents(ctx, actor, f)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if !more {
			break
		}
		f.Offset += len(page)
	}
	return IncidentsWorkbook(rows)
}

// IncidentsWorkbook lays incidents out as one sheet with a styled, frozen header row.
func IncidentsWorkbook(incidents []domain.Incident) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	for col, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(exportSheet, cell, cell, headerStyle); err != nil {
			return nil, err
		}
	}
	widths := []float64{38, 38, 20, 50, 14, 10, 12, 20, 22, 22, 22, 22, 38}
	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(exportSheet, col, col, w); err != nil {
			return nil, err
		}
	}

	for i, inc := range incidents {
		category := ""
		if inc.Category != nil {
			category = string(*inc.Category)
		}
		values := []any{
			inc.ID, inc.HousingUnitID, inc.ReporterID, inc.Description, category,
			string(inc.Priority), string(inc.Status), deref(inc.AssigneeID),
			inc.ReportedAt, inc.UpdatedAt, deref(inc.ResolvedAt), deref(inc.ClosedAt), deref(inc.SourceFormID),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
