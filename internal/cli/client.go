// Package cli implements the client side of the logcollectors command: it
// talks to a running server over HTTP and WebSocket.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/koko-u/log-collectors/internal/api"
	"github.com/koko-u/log-collectors/internal/logcsv"
)

// Format selects the representation returned by Get.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" or "csv" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json or csv)", s)
	}
}

// Client talks to a log-collectors server.
type Client struct {
	baseURL string
	http    *http.Client
	// upload has no overall timeout; uploads are bounded by their context.
	upload *http.Client
	log    *slog.Logger
}

// NewClient creates a client for the server at serverURL.
func NewClient(serverURL string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if serverURL == "" {
		return nil, errors.New("server URL is required (--server or LOGCOLLECTORS_SERVER)")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https: %q", serverURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server URL has no host: %q", serverURL)
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		upload:  &http.Client{},
		log:     log,
	}, nil
}

// Get fetches the logs in rng and copies the response body to out verbatim.
func (c *Client) Get(ctx context.Context, format Format, rng api.DateTimeRange, out io.Writer) error {
	path := "/logs"
	if format == FormatCSV {
		path = "/csv"
	}
	apiURL := c.baseURL + path
	if q := rng.Query().Encode(); q != "" {
		apiURL += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

// PostLog submits a single log.
func (c *Client) PostLog(ctx context.Context, l api.NewLog) (*api.LogResponse, error) {
	body, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode log: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/logs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, responseError(resp)
	}

	var created api.LogResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &created, nil
}

// PostResult summarizes a Post run.
type PostResult struct {
	Posted  int
	Skipped int
}

// Post reads headerless CSV rows from in and submits each one with PostLog.
// Malformed rows are logged and skipped; the first request failure stops
// the run.
func (c *Client) Post(ctx context.Context, in io.Reader) (PostResult, error) {
	var res PostResult
	r := logcsv.NewReader(in)
	for {
		l, err := r.Read()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			if logcsv.IsRowError(err) {
				c.log.Warn("skipping malformed row", "error", err)
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("read input: %w", err)
		}

		if _, err := c.PostLog(ctx, l); err != nil {
			return res, err
		}
		res.Posted++
	}
}

// Upload streams the named files to POST /csv as text/csv parts and returns
// the number of rows the server inserted.
func (c *Client) Upload(ctx context.Context, paths []string) (uint64, error) {
	if len(paths) == 0 {
		return 0, errors.New("no files to upload")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, paths))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/csv", pr)
	if err != nil {
		pr.Close()
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.upload.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}

	var result api.CSVResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return result.Count, nil
}

func writeParts(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		if err := writePart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", multipartDisposition(filepath.Base(path)))
	h.Set("Content-Type", "text/csv")
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write part %s: %w", path, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartDisposition(filename string) string {
	return fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename))
}

// responseError turns a non-success response into an error carrying the
// status and the (trimmed) body.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
