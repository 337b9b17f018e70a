package actions

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cronplus/cronplus/internal/config"
)

func TestHTTPStep_PostsTemplatedBodyAndCapturesResponse(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	step := newHTTPStep("notify", config.HTTPStep{
		Method:           "POST",
		URL:              srv.URL,
		Body:             "hello ${taskId}",
		TimeoutSeconds:   5,
		ResponseVariable: "resp",
		StatusVariable:   "status",
	})
	execCtx := newExecCtx(t, "/in/a.txt")
	execCtx.Builtins["taskId"] = "t1"

	res := step.Execute(context.Background(), execCtx)
	if !res.OK {
		t.Fatalf("http step failed: %v", res.Err)
	}
	if res.Outputs["status"] != "200" {
		t.Fatalf("expected captured status 200, got %q", res.Outputs["status"])
	}
	if res.Outputs["resp"] != `{"ok":true}` {
		t.Fatalf("expected captured response body, got %q", res.Outputs["resp"])
	}
	if string(gotBody) != "hello t1" {
		t.Fatalf("expected interpolated body, got %q", string(gotBody))
	}
}

func TestHTTPStep_FailOnNonSuccessMarksRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	step := newHTTPStep("notify", config.HTTPStep{
		Method:           "GET",
		URL:              srv.URL,
		TimeoutSeconds:   5,
		FailOnNonSuccess: true,
	})
	res := step.Execute(context.Background(), newExecCtx(t, "/in/a.txt"))
	if res.OK {
		t.Fatalf("expected failure on 503")
	}
	if !res.Retryable {
		t.Fatalf("503 must be marked retryable")
	}
}

func TestHTTPStep_BearerAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	step := newHTTPStep("notify", config.HTTPStep{
		Method:         "GET",
		URL:            srv.URL,
		TimeoutSeconds: 5,
		Auth:           "bearer",
		AuthToken:      "secret-token",
	})
	res := step.Execute(context.Background(), newExecCtx(t, "/in/a.txt"))
	if !res.OK {
		t.Fatalf("http step failed: %v", res.Err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestHTTPStep_ManualRedirectPreservesAuthHeader(t *testing.T) {
	var finalAuth string
	var finalHits int
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		finalHits++
		finalAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer redirector.Close()

	step := newHTTPStep("notify", config.HTTPStep{
		Method:         "GET",
		URL:            redirector.URL,
		TimeoutSeconds: 5,
		Auth:           "bearer",
		AuthToken:      "secret-token",
	})
	res := step.Execute(context.Background(), newExecCtx(t, "/in/a.txt"))
	if !res.OK {
		t.Fatalf("http step failed: %v", res.Err)
	}
	if finalHits != 1 {
		t.Fatalf("expected redirect to be followed exactly once, got %d hits", finalHits)
	}
	if finalAuth != "Bearer secret-token" {
		t.Fatalf("expected Authorization header preserved across redirect, got %q", finalAuth)
	}
}

func TestHTTPStep_RedirectBeyondMaxRedirectsStopsFollowing(t *testing.T) {
	var hits int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}))
	defer srv.Close()

	step := newHTTPStep("notify", config.HTTPStep{
		Method:         "GET",
		URL:            srv.URL,
		TimeoutSeconds: 5,
		MaxRedirects:   2,
	})
	res := step.Execute(context.Background(), newExecCtx(t, "/in/a.txt"))
	if !res.OK {
		t.Fatalf("http step failed: %v", res.Err)
	}
	if hits != 3 {
		t.Fatalf("expected the initial request plus 2 redirects (3 hits), got %d", hits)
	}
}

func TestHTTPStep_MultipartSendsFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "report.txt")
	if err := os.WriteFile(src, []byte("report contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	var gotFormField string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, hdr, err := r.FormFile("upload"); err == nil {
			gotFormField = hdr.Filename
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	step := newHTTPStep("upload", config.HTTPStep{
		Method:         "POST",
		URL:            srv.URL,
		TimeoutSeconds: 5,
		SendFileMode:   "multipart",
		FormFieldName:  "upload",
	})
	res := step.Execute(context.Background(), newExecCtx(t, src))
	if !res.OK {
		t.Fatalf("http step failed: %v", res.Err)
	}
	if gotFormField != "report.txt" {
		t.Fatalf("expected uploaded filename report.txt, got %q", gotFormField)
	}
}
