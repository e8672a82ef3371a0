package link

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/log"
)

const reportIDHeader = "X-Report-ID"

// HTTPSender POSTs reports to <uri>/api/taps/<path>.
type HTTPSender struct {
	base    string
	secret  string
	timeout time.Duration
	client  *http.Client
	log     log.Logger
}

func NewHTTPSender(cfg config.LinkConfig) (*HTTPSender, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parsing link uri: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("link uri %q: scheme must be http or https", cfg.URI)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		base:    strings.TrimRight(cfg.URI, "/"),
		secret:  cfg.Secret,
		timeout: timeout,
		client:  &http.Client{},
		log:     log.GetLogger().WithField("component", "link"),
	}, nil
}

func (s *HTTPSender) SendReport(path string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	endpoint := s.base + "/api/taps/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	id := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reportIDHeader, id)
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("leader returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.log.WithFields(map[string]interface{}{
		"path":      path,
		"report_id": id,
		"bytes":     len(body),
	}).Debug("report submitted")
	return nil
}
