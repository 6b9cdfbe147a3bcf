package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// StatusError reports a non-2xx reply from a collaborator.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d %s", e.Service, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s returned %d %s: %s", e.Service, e.Code, http.StatusText(e.Code), e.Body)
}

// jsonClient posts JSON documents to one collaborator.
type jsonClient struct {
	service    string
	httpClient *http.Client
	token      string
}

func newJSONClient(service string, timeout time.Duration, token string) jsonClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return jsonClient{
		service:    service,
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

func (c jsonClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Service: c.service, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// resolvePath joins p onto base, keeping any path prefix base already carries.
func resolvePath(base, p string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(base)
	if err != nil {
		return base + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}
