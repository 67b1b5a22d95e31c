// Package upload implements the STOW-RS client: it wraps a single
// DICOM instance in a multipart/related envelope and POSTs it to a
// DICOMweb server, retrying transient failures with backoff.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
)

// requestTimeout bounds each STOW-RS POST attempt. Every retry gets its
// own budget, and the backoff waits between attempts are not counted.
const requestTimeout = 120 * time.Second

// retryableStatus are the HTTP statuses worth retrying.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Uploader POSTs DICOM instances to a DICOMweb STOW-RS endpoint. A
// single Uploader is shared by every worker; its http.Client pools
// connections internally and needs no external locking.
type Uploader struct {
	serverURL  string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// TokenSource supplies a bearer token for the Authorization header.
// The second return value is false in anonymous mode.
type TokenSource func(ctx context.Context) (string, bool)

// New builds an Uploader targeting serverURL (the DICOMweb base, e.g.
// "http://orthanc:8042").
func New(serverURL string, maxRetries int, retryDelay time.Duration) *Uploader {
	return &Uploader{
		serverURL:  serverURL,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		client:     &http.Client{Timeout: requestTimeout},
	}
}

// Result is the outcome of a single upload attempt.
type Result struct {
	OK     bool
	Reason string

	retryable bool
}

// Upload POSTs body (raw DICOM bytes) as filename to the STOW-RS
// studies endpoint, attaching a bearer token from tokens when
// available. It retries on {429,500,502,503,504} up to maxRetries
// times with exponential backoff seeded by retryDelay.
func (u *Uploader) Upload(ctx context.Context, body []byte, filename string, tokens TokenSource) Result {
	var lastReason string

	attempts := u.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := u.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{OK: false, Reason: ctx.Err().Error()}
			}
		}

		result := u.attempt(ctx, body, filename, tokens)
		if result.OK {
			return result
		}
		lastReason = result.Reason
		if !result.retryable {
			break
		}
	}

	return Result{OK: false, Reason: lastReason}
}

func (u *Uploader) attempt(ctx context.Context, body []byte, filename string, tokens TokenSource) Result {
	reqBody, contentType, err := buildMultipart(body, filename)
	if err != nil {
		return Result{OK: false, Reason: fmt.Sprintf("build request body: %v", err)}
	}

	url := fmt.Sprintf("%s/dicom-web/studies", u.serverURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return Result{OK: false, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/dicom+json")
	if token, ok := tokens(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return Result{OK: false, Reason: fmt.Sprintf("request failed: %v", err), retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		io.Copy(io.Discard, resp.Body)
		return Result{OK: true}
	}

	snippet := make([]byte, 500)
	n, _ := io.ReadFull(resp.Body, snippet)
	reason := fmt.Sprintf("STOW-RS upload failed: HTTP %d: %s", resp.StatusCode, string(snippet[:n]))
	return Result{OK: false, Reason: reason, retryable: retryableStatus[resp.StatusCode]}
}

// buildMultipart assembles a single-part multipart/related body per
// spec §4.2: one part, Content-Type application/dicom, raw bytes.
func buildMultipart(body []byte, filename string) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	boundary := uuid.New().String()
	w := multipart.NewWriter(buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, "", fmt.Errorf("set boundary: %w", err)
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "application/dicom")
	header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(body); err != nil {
		return nil, "", fmt.Errorf("write part body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	contentType := fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary)
	return buf, contentType, nil
}
