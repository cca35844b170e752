package export

import (
	"context"
	"fmt"
)

// PDFRenderer turns a rendered HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

// Service renders review reports.
type Service struct {
	pdf PDFRenderer
}

// NewService uses headless Chromium for PDF output.
func NewService() *Service {
	return &Service{pdf: chromePDF}
}

// NewServiceWithPDF swaps the PDF renderer.
func NewServiceWithPDF(pdf PDFRenderer) *Service {
	return &Service{pdf: pdf}
}

// Render generates the report in the requested format.
func (s *Service) Render(ctx context.Context, report Report, format Format) (*Result, error) {
	html, err := RenderReportHTML(newTemplateData(report))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	filename := sanitizeFilename(report.MergeRequest.Title) + "." + format.Extension()

	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: filename, MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: filename, MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
