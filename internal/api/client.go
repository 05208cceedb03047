package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	contentTypeSDP  = "application/sdp"
	contentTypeJSON = "application/json"

	irBrightnessPath = "/api/set-ir-brightness"

	// maxAnswerSize bounds the answer body; real answers are a few KB.
	maxAnswerSize = 1 << 20
)

type irBrightnessRequest struct {
	Brightness int `json:"brightness"`
}

// Client talks HTTP to the media server (WHEP offer/answer) and to the
// device server (settings).
type Client struct {
	http      *http.Client
	deviceURL string
	log       *zap.Logger
}

// Options configures NewClient.
type Options struct {
	DeviceURL   string
	InsecureTLS bool
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// NewClient creates an API client. A nil log disables logging.
func NewClient(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureTLS {
			// the camera serves a self-signed certificate on the local network
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		hc = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{
		http:      hc,
		deviceURL: strings.TrimRight(opts.DeviceURL, "/"),
		log:       log.Named("api"),
	}
}

// PostOffer sends the raw SDP offer to a WHEP endpoint and returns the raw
// SDP answer from the response body.
func (c *Client) PostOffer(ctx context.Context, endpoint, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Accept", contentTypeSDP)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxAnswerSize {
		return "", fmt.Errorf("answer exceeds %d bytes", maxAnswerSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.log.Debug("whep answer received",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.String("location", resp.Header.Get("Location")),
		zap.Int("bytes", len(body)),
	)
	return string(body), nil
}

// SetIRBrightness asks the device server to change the IR illumination level.
func (c *Client) SetIRBrightness(ctx context.Context, brightness int) error {
	body, err := json.Marshal(irBrightnessRequest{Brightness: brightness})
	if err != nil {
		return fmt.Errorf("marshal brightness request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deviceURL+irBrightnessPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
