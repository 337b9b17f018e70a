package actions

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/interp"
	"github.com/cronplus/cronplus/internal/pipeline"
)

// retryableStatus is the set of transient HTTP statuses worth retrying
// (the executor's own retry loop drives the actual backoff via
// internal/retrypolicy; this step only reports Retryable=true).
var retryableStatus = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// httpStep posts the triggering file (or a templated body) to a
// configured endpoint. There is no teacher precedent for this action;
// it is a SPEC_FULL.md domain-stack addition built in the teacher's
// action-step idiom (config-driven struct, Execute returning
// pipeline.StepResult).
type httpStep struct {
	name string
	cfg  config.HTTPStep
}

func newHTTPStep(name string, cfg config.HTTPStep) *httpStep {
	return &httpStep{name: name, cfg: cfg}
}

func (s *httpStep) Name() string { return s.name }
func (s *httpStep) Type() string { return string(config.StepTypeHTTP) }

// isRedirectStatus reports the HTTP response codes this step follows
// manually; everything else is returned to the caller as-is.
func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func (s *httpStep) Execute(ctx context.Context, execCtx *pipeline.ExecutionContext) pipeline.StepResult {
	ic := interpContext(execCtx)
	url, warnings := interp.Expand(s.cfg.URL, ic)
	body, bw := interp.Expand(s.cfg.Body, ic)
	warnings = append(warnings, bw...)
	headers, hw := interp.ExpandMap(s.cfg.Headers, ic)
	warnings = append(warnings, hw...)

	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bodyBytes, contentType, err := s.prepareBody(body, execCtx.FilePath)
	if err != nil {
		return pipeline.StepResult{OK: false, Err: err}
	}

	client := &http.Client{
		Timeout: timeout,
		// Redirects are followed manually below so Authorization and
		// other caller-set headers survive a cross-host hop; the
		// stdlib client's default redirect handling strips them.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if !s.cfg.ValidateTLS {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	maxRedirects := s.cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	method := s.cfg.Method
	curURL := url
	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := s.buildRequest(reqCtx, method, curURL, bodyBytes, contentType)
		if err != nil {
			return pipeline.StepResult{OK: false, Err: err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		s.applyAuth(req)

		resp, err = client.Do(req)
		if err != nil {
			return pipeline.StepResult{OK: false, Err: fmt.Errorf("http: %w", err), Retryable: true}
		}

		if !isRedirectStatus(resp.StatusCode) || attempt >= maxRedirects {
			break
		}
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			break
		}
		next, perr := req.URL.Parse(loc)
		if perr != nil {
			break
		}
		curURL = next.String()
		// §4.3: 307/308 preserve method and body; everything else
		// (301/302/303) degrades to a bodyless GET, matching browser
		// and stdlib redirect semantics.
		if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusPermanentRedirect {
			method = http.MethodGet
			bodyBytes = nil
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))

	outputs := map[string]string{}
	if s.cfg.ResponseVariable != "" {
		outputs[s.cfg.ResponseVariable] = string(respBody)
	}
	if s.cfg.StatusVariable != "" {
		outputs[s.cfg.StatusVariable] = strconv.Itoa(resp.StatusCode)
	}

	success := resp.StatusCode < 400
	if s.cfg.FailOnNonSuccess && !success {
		return pipeline.StepResult{
			OK:        false,
			Err:       fmt.Errorf("http: non-success status %d", resp.StatusCode),
			Outputs:   outputs,
			Retryable: retryableStatus[resp.StatusCode],
		}
	}

	msg := fmt.Sprintf("%s %s -> %d", s.cfg.Method, url, resp.StatusCode)
	if len(warnings) > 0 {
		msg += " (" + joinWarnings(warnings) + ")"
	}
	return pipeline.StepResult{OK: true, Message: msg, Outputs: outputs}
}

// prepareBody materializes the request body once, up front, as a byte
// slice so it can be resent verbatim across a manually-followed
// redirect (an io.Reader like an open *os.File can only be read once).
// Returns the body bytes and, for multipart, the Content-Type header
// that must accompany it.
func (s *httpStep) prepareBody(body, filePath string) ([]byte, string, error) {
	switch s.cfg.SendFileMode {
	case "raw":
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, "", fmt.Errorf("http: open file: %w", err)
		}
		return b, "", nil
	case "multipart":
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		f, err := os.Open(filePath)
		if err != nil {
			return nil, "", fmt.Errorf("http: open file: %w", err)
		}
		defer f.Close()
		field := s.cfg.FormFieldName
		if field == "" {
			field = "file"
		}
		part, err := mw.CreateFormFile(field, filepath.Base(filePath))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), mw.FormDataContentType(), nil
	default:
		return []byte(body), "", nil
	}
}

func (s *httpStep) buildRequest(ctx context.Context, method, url string, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (s *httpStep) applyAuth(req *http.Request) {
	switch s.cfg.Auth {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	case "basic":
		req.SetBasicAuth(s.cfg.AuthUser, s.cfg.AuthPass)
	case "apiKey":
		header := s.cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, s.cfg.AuthToken)
	}
}

func joinWarnings(w []string) string {
	out := ""
	for i, s := range w {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
