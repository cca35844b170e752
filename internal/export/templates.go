package export

import (
	"bytes"
	"encoding/json"
	"html/template"
	"strings"
	"time"

	"eidos/api/internal/changes"
	"eidos/api/internal/conflict"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"raw": rawValue,
}).Parse(reportHTML))

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title         string
	Description   string
	ID            string
	ResourceID    string
	Status        string
	SubmitterID   string
	ReviewerID    string
	ReviewComment string
	BaseVersion   int64
	GeneratedAt   time.Time
	Changes       []changes.ChangeEntry
	Conflicts     []conflict.Conflict
}

func newTemplateData(report Report) TemplateData {
	mr := report.MergeRequest
	generated := report.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}
	return TemplateData{
		Title:         mr.Title,
		Description:   mr.Description,
		ID:            mr.ID,
		ResourceID:    mr.ResourceID,
		Status:        string(mr.Status),
		SubmitterID:   mr.SubmitterID,
		ReviewerID:    mr.ReviewerID,
		ReviewComment: mr.ReviewComment,
		BaseVersion:   mr.BaseVersion,
		GeneratedAt:   generated,
		Changes:       mr.Changes,
		Conflicts:     report.Conflicts,
	}
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// rawValue shows a JSON value compactly; absent values render as a dash.
func rawValue(value json.RawMessage) string {
	if len(value) == 0 {
		return "-"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return string(value)
	}
	return buf.String()
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 900px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .status { text-transform: uppercase; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; margin-bottom: 1.5rem; }
    th, td { border: 1px solid #ccc; padding: 0.3rem 0.5rem; text-align: left; vertical-align: top; }
    code { font-size: 0.85em; }
    .conflict { background: #fdecea; padding: 0.75rem; margin: 0.5rem 0; border-left: 3px solid #c0392b; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    {{.ID}} | resource {{.ResourceID}} | base version {{.BaseVersion}} |
    <span class="status status-{{lower .Status}}">{{.Status}}</span> |
    submitted by {{.SubmitterID}}{{if .ReviewerID}} | reviewed by {{.ReviewerID}}{{end}} |
    generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04 MST"}}
  </div>
  {{if .Description}}<p>{{.Description}}</p>{{end}}
  {{if .ReviewComment}}<blockquote class="review-comment">{{.ReviewComment}}</blockquote>{{end}}

  <h2>Changes</h2>
  {{range .Changes}}
  <h3>#{{.SequenceNumber}} {{.ChangeType}} {{.EntityType}}/{{.EntityID}}{{if .HasConflict}} (conflict){{end}}</h3>
  {{if .FieldDiffs}}
  <table>
    <tr><th>Field</th><th>Kind</th><th>Before</th><th>After</th></tr>
    {{range .FieldDiffs}}
    <tr><td>{{.Field}}</td><td>{{.Kind}}</td><td><code>{{raw .OldValue}}</code></td><td><code>{{raw .NewValue}}</code></td></tr>
    {{end}}
  </table>
  {{end}}
  {{end}}

  {{if .Conflicts}}
  <h2>Conflicts</h2>
  {{range .Conflicts}}
  <div class="conflict">
    <strong>{{.Type}}</strong> {{.EntityType}}/{{.EntityID}}{{if .Field}} field {{.Field}}{{end}}: {{.Message}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
