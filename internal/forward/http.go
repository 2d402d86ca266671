package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vibranium/internal/config"
	"vibranium/internal/model"
)

type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("forward %s: status %d: %s", e.URL, e.Status, e.Body)
}

// HTTP posts records to {base}/v1/endpoints/{endpointID}/acquisition.
type HTTP struct {
	base   string
	client *http.Client
}

func NewHTTP(cfg config.HTTPForwardConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) URL(endpointID string) string {
	return h.base + "/v1/endpoints/" + url.PathEscape(endpointID) + "/acquisition"
}

func (h *HTTP) Forward(ctx context.Context, rec model.AcquisitionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	target := h.URL(rec.EndpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: target, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
