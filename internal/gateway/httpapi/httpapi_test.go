package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/files"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		code domain.Code
		want int
	}{
		{domain.CodeInvalidArgument, http.StatusBadRequest},
		{domain.CodeBadPath, http.StatusBadRequest},
		{domain.CodeNotAuthorized, http.StatusForbidden},
		{domain.CodeNotFound, http.StatusNotFound},
		{domain.CodeConflict, http.StatusConflict},
		{domain.CodeRateLimited, http.StatusTooManyRequests},
		{domain.CodeRuntimeUnavailable, http.StatusServiceUnavailable},
		{domain.CodeExecTimeout, http.StatusRequestTimeout},
		{domain.CodeInternal, http.StatusInternalServerError},
		{domain.CodeIOError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.code); got != tc.want {
			t.Errorf("statusFor(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

// newFileGateway builds a gateway with its routes mounted on the real
// router, so fetches travel the same path they do in production.
func newFileGateway(t *testing.T) (*Gateway, *files.Publisher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher, err := files.NewPublisher(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	g := NewGateway(Config{}, nil, nil, publisher, nil, logger)
	g.registerRoutes()
	return g, publisher
}

func fetchFile(g *Gateway, sandboxID, relPath string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sandbox/file/"+sandboxID+"/"+relPath, nil)
	g.okapi.ServeHTTP(rec, req)
	return rec
}

func TestHandleFileFetch(t *testing.T) {
	g, publisher := newFileGateway(t)
	sandboxID := uuid.New()
	if _, err := publisher.Publish(sandboxID, "plot.png", []byte("png-bytes")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	rec := fetchFile(g, sandboxID.String(), "plot.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("content type = %q", got)
	}
	if rec.Body.String() != "png-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleFileFetch_NestedPath(t *testing.T) {
	g, publisher := newFileGateway(t)
	sandboxID := uuid.New()
	if _, err := publisher.Publish(sandboxID, "plots/run1/out.csv", []byte("a,b\n")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	rec := fetchFile(g, sandboxID.String(), "plots/run1/out.csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "a,b\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleFileFetch_NotFound(t *testing.T) {
	g, _ := newFileGateway(t)

	rec := fetchFile(g, uuid.NewString(), "missing.txt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleFileFetch_BadSandboxID(t *testing.T) {
	g, _ := newFileGateway(t)

	rec := fetchFile(g, "not-a-uuid", "plot.png")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFileFetch_TraversalRejected(t *testing.T) {
	g, publisher := newFileGateway(t)
	sandboxID := uuid.New()
	if _, err := publisher.Publish(sandboxID, "data.csv", []byte("a,b\n")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	rec := fetchFile(g, sandboxID.String(), "..%2F..%2Fetc%2Fpasswd")
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want rejection", rec.Code)
	}
}

func TestNewCorrelationID(t *testing.T) {
	a, b := newCorrelationID(), newCorrelationID()
	if len(a) != 16 {
		t.Fatalf("length = %d, want 16 hex chars", len(a))
	}
	if a == b {
		t.Fatal("ids should be unique")
	}
}
