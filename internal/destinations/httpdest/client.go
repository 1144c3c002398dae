// Package httpdest implements the destination adapter contract against a
// generic JSON-over-HTTP publishing API.
package httpdest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gantry/internal/config"
	"gantry/internal/destinations"
	"gantry/internal/services"
)

const (
	defaultCallTimeout = 30 * time.Second
	sessionTTL         = 25 * time.Minute
)

// Client talks to one destination site. It satisfies destinations.Adapter.
type Client struct {
	name          string
	baseURL       string
	apiKey        string
	category      string
	sizeTolerance float64
	callTimeout   time.Duration

	httpClient *http.Client

	sessionToken   string
	sessionExpires time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a client for the named destination from its config.
func New(name string, dest config.Destination, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Client{
		name:          name,
		baseURL:       strings.TrimRight(dest.BaseURL, "/"),
		apiKey:        dest.APIKey,
		category:      dest.Category,
		sizeTolerance: dest.SizeTolerancePercent,
		callTimeout:   callTimeout,
		httpClient:    &http.Client{Timeout: callTimeout},
		now:           time.Now,
	}
}

// Name returns the destination key.
func (c *Client) Name() string {
	return c.name
}

// Authenticate obtains a session token, reusing a live one.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.sessionToken != "" && c.now().Before(c.sessionExpires) {
		return nil
	}

	body, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return services.Wrap(services.KindFatal, "upload", "authenticate", "encode auth request", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/session", "application/json", bytes.NewReader(body))
	if err != nil {
		return c.wrapTransport("authenticate", err)
	}
	defer resp.Body.Close()
	if err := c.classifyStatus("authenticate", resp); err != nil {
		return err
	}

	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return services.Wrap(services.KindNetwork, "upload", "authenticate", "decode session response", err)
	}
	if session.Token == "" {
		return services.Wrap(services.KindFatal, "upload", "authenticate",
			fmt.Sprintf("%s returned an empty session token", c.name), nil)
	}
	c.sessionToken = session.Token
	c.sessionExpires = c.now().Add(sessionTTL)
	return nil
}

// CheckDuplicate cascades through the identity hints: a canonical external
// id is looked up directly first, then the site is searched by name and
// size. A size match within the configured tolerance counts as exact.
func (c *Client) CheckDuplicate(ctx context.Context, hints destinations.IdentityHints) (destinations.DuplicateReport, error) {
	var report destinations.DuplicateReport

	if hints.ExternalID != "" {
		found, err := c.lookupByID(ctx, hints.ExternalID, &report)
		if err != nil {
			return report, err
		}
		if found {
			return report, nil
		}
	}

	query := url.Values{}
	query.Set("name", hints.ReleaseName)
	if hints.Year > 0 {
		query.Set("year", strconv.Itoa(hints.Year))
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/search?"+query.Encode(), "", nil)
	if err != nil {
		return report, c.wrapTransport("duplicate check", err)
	}
	defer resp.Body.Close()
	if err := c.classifyStatus("duplicate check", resp); err != nil {
		return report, err
	}

	var payload struct {
		Results []struct {
			Name      string `json:"name"`
			SizeBytes int64  `json:"size_bytes"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return report, services.Wrap(services.KindNetwork, "upload", "duplicate check", "decode search response", err)
	}

	for _, result := range payload.Results {
		if !strings.EqualFold(result.Name, hints.ReleaseName) {
			continue
		}
		report.Candidates = append(report.Candidates, destinations.DuplicateCandidate{
			Name:      result.Name,
			SizeBytes: result.SizeBytes,
		})
		if c.sizeWithinTolerance(hints.SizeBytes, result.SizeBytes) {
			report.Exact = true
		} else {
			report.Near = true
		}
	}
	if report.Exact {
		report.Near = false
	}
	return report, nil
}

// lookupByID fetches the remote entry the hint names. A live entry is an
// exact duplicate regardless of size; a 404 means the id is stale and the
// free-text tier should run.
func (c *Client) lookupByID(ctx context.Context, id string, report *destinations.DuplicateReport) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/uploads/"+url.PathEscape(id), "", nil)
	if err != nil {
		return false, c.wrapTransport("duplicate check", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := c.classifyStatus("duplicate check", resp); err != nil {
		return false, err
	}

	var payload struct {
		Name      string `json:"name"`
		SizeBytes int64  `json:"size_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, services.Wrap(services.KindNetwork, "upload", "duplicate check", "decode upload lookup", err)
	}
	report.Exact = true
	report.Candidates = append(report.Candidates, destinations.DuplicateCandidate{
		Name:      payload.Name,
		SizeBytes: payload.SizeBytes,
	})
	return true, nil
}

// Upload publishes the artifact and its metadata as a multipart request.
func (c *Client) Upload(ctx context.Context, req destinations.UploadRequest) (destinations.UploadResult, error) {
	var result destinations.UploadResult

	file, err := os.Open(req.FilePath)
	if err != nil {
		return result, services.Wrap(services.KindFatal, "upload", "upload", "open artifact", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := c.writeUploadForm(writer, req, file); err != nil {
		return result, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/uploads", &body)
	if err != nil {
		return result, services.Wrap(services.KindFatal, "upload", "upload", "build upload request", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return result, c.wrapTransport("upload", err)
	}
	defer resp.Body.Close()
	if err := c.classifyStatus("upload", resp); err != nil {
		return result, err
	}

	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return result, services.Wrap(services.KindNetwork, "upload", "upload", "decode upload response", err)
	}
	result.RemoteID = payload.ID
	result.RemoteURL = payload.URL
	return result, nil
}

// FetchTaxonomy lists the site's categories.
func (c *Client) FetchTaxonomy(ctx context.Context) ([]destinations.Category, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/categories", "", nil)
	if err != nil {
		return nil, c.wrapTransport("fetch taxonomy", err)
	}
	defer resp.Body.Close()
	if err := c.classifyStatus("fetch taxonomy", resp); err != nil {
		return nil, err
	}

	var payload struct {
		Categories []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"categories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, services.Wrap(services.KindNetwork, "upload", "fetch taxonomy", "decode categories", err)
	}
	categories := make([]destinations.Category, 0, len(payload.Categories))
	for _, cat := range payload.Categories {
		categories = append(categories, destinations.Category{ID: cat.ID, Name: cat.Name})
	}
	return categories, nil
}

func (c *Client) writeUploadForm(writer *multipart.Writer, req destinations.UploadRequest, file *os.File) error {
	category := req.Category
	if category == "" {
		category = c.category
	}
	fields := map[string]string{
		"release_name": req.ReleaseName,
		"category":     category,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return services.Wrap(services.KindFatal, "upload", "upload", "write form field", err)
		}
	}

	if req.MetadataPath != "" {
		metadata, err := os.ReadFile(req.MetadataPath)
		if err != nil {
			return services.Wrap(services.KindFatal, "upload", "upload", "read metadata artifact", err)
		}
		part, err := writer.CreateFormFile("metadata", filepath.Base(req.MetadataPath))
		if err != nil {
			return services.Wrap(services.KindFatal, "upload", "upload", "create metadata part", err)
		}
		if _, err := part.Write(metadata); err != nil {
			return services.Wrap(services.KindFatal, "upload", "upload", "write metadata part", err)
		}
	}

	part, err := writer.CreateFormFile("file", filepath.Base(file.Name()))
	if err != nil {
		return services.Wrap(services.KindFatal, "upload", "upload", "create file part", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return services.Wrap(services.KindFatal, "upload", "upload", "copy artifact into request", err)
	}
	return writer.Close()
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)
	return c.httpClient.Do(req)
}

func (c *Client) authorize(req *http.Request) {
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	} else if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) sizeWithinTolerance(local, remote int64) bool {
	if local <= 0 || remote <= 0 {
		return local == remote
	}
	diff := local - remote
	if diff < 0 {
		diff = -diff
	}
	tolerance := c.sizeTolerance / 100 * float64(local)
	return float64(diff) <= tolerance
}

func (c *Client) wrapTransport(operation string, err error) error {
	if services.IsCancelled(err) {
		return services.Wrap(services.KindCancelled, "upload", operation,
			fmt.Sprintf("%s call to %s cancelled", operation, c.name), err)
	}
	return services.Wrap(services.KindNetwork, "upload", operation,
		fmt.Sprintf("%s call to %s failed", operation, c.name), err)
}

// classifyStatus maps a non-2xx response to the error taxonomy. Auth failures
// are fatal so they trip the breaker without burning retries; throttling and
// server errors are retryable, honoring any Retry-After header.
func (c *Client) classifyStatus(operation string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet := readBodySnippet(resp.Body)
	message := fmt.Sprintf("%s returned HTTP %d on %s", c.name, resp.StatusCode, operation)
	if snippet != "" {
		message = fmt.Sprintf("%s: %s", message, snippet)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.sessionToken = ""
		return services.Wrap(services.KindFatal, "upload", operation, message, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now()); retryAfter > 0 {
			return services.WrapRetryAfter(services.KindRateLimited, "upload", operation, message, retryAfter, nil)
		}
		return services.Wrap(services.KindRateLimited, "upload", operation, message, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return services.Wrap(services.KindNetwork, "upload", operation, message, nil)
	default:
		return services.Wrap(services.KindFatal, "upload", operation, message, nil)
	}
}

func readBodySnippet(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 256))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}
