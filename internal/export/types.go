// Package export renders merge request review reports as HTML or PDF.
package export

import (
	"errors"
	"time"

	"eidos/api/internal/conflict"
	"eidos/api/internal/mergerequest"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts "" as html.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Report is everything a review report shows.
type Report struct {
	MergeRequest mergerequest.MergeRequest
	Conflicts    []conflict.Conflict
	GeneratedAt  time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Extension is the file extension for the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	ErrUnsupportedFormat    = errors.New("unsupported export format")
)
