package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestReportKey(t *testing.T) {
	if got := ReportKey("res_1", "mr_9", "pdf"); got != "reports/res_1/mr_9.pdf" {
		t.Fatalf("ReportKey() = %q", got)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{"bare host", "localhost:9000", false, "localhost:9000", false},
		{"bare host ssl", "minio.example.com", true, "minio.example.com", true},
		{"https scheme wins", "https://minio.example.com/", false, "minio.example.com", true},
		{"http scheme wins", "http://localhost:9000", true, "localhost:9000", false},
		{"empty", "  ", false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, secure := normalizeEndpoint(tt.endpoint, tt.useSSL)
			if host != tt.wantHost || secure != tt.wantSecure {
				t.Fatalf("normalizeEndpoint(%q, %v) = %q, %v", tt.endpoint, tt.useSSL, host, secure)
			}
		})
	}
}

func TestNewMinioStoreRejectsEmptyEndpoint(t *testing.T) {
	if _, err := NewMinioStore(MinioConfig{Bucket: "reports"}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestMinioStorePut(t *testing.T) {
	var (
		mu          sync.Mutex
		gotMethod   string
		gotPath     string
		gotBody     string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, string(body)
		contentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store, err := NewMinioStore(MinioConfig{
		Endpoint:  srv.URL,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "eidos-reports",
	})
	if err != nil {
		t.Fatalf("NewMinioStore() error = %v", err)
	}
	if err := store.Put(context.Background(), "reports/res_1/mr_1.html", []byte("<html></html>"), "text/html"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPut || gotPath != "/eidos-reports/reports/res_1/mr_1.html" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if contentType != "text/html" {
		t.Fatalf("content-type %q", contentType)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected object payload")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	data := []byte("report")
	if err := store.Put(context.Background(), "reports/a.html", data, "text/html"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'X'
	obj, ok := store.Get("reports/a.html")
	if !ok || string(obj.Data) != "report" || obj.ContentType != "text/html" {
		t.Fatalf("Get() = %+v, %v", obj, ok)
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatal("expected miss")
	}
}
