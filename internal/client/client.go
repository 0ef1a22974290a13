// Package client aggregates LineRecords into bounded IngestBody batches
// and ships them over HTTPS to the remote ingest endpoint (spec §4.4).
// The request construction is grounded on mutagen-io-mutagen's
// pkg/mutagenio/api.go callAPI: context-scoped http.NewRequestWithContext,
// a buffer encoded via encoding/json, a single status-code check, adapted
// from mutagen's bearer-token model to the spec's apikey header and from
// a fixed JSON body to an optional gzip-compressed one via
// github.com/klauspost/compress/gzip (the compression library already in
// the teacher's dependency pack).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/logdna/agent/internal/agentlog"
	"github.com/logdna/agent/internal/pipeline"
)

// Config holds the Client's tunable request parameters (spec §4.4's
// configuration table).
type Config struct {
	BufferMaxBytes int
	FlushInterval  time.Duration
	Timeout        time.Duration
	Schema         string // "http" or "https"
	Host           string
	Endpoint       string
	APIKey         string
	Params         map[string]string
	GzipEnabled    bool
	GzipLevel      int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferMaxBytes: 2 * 1024 * 1024,
		FlushInterval:  250 * time.Millisecond,
		Timeout:        10 * time.Second,
		Schema:         "https",
		GzipEnabled:    true,
		GzipLevel:      2,
	}
}

// wireBody is the JSON envelope POSTed to the ingest endpoint (spec §6).
type wireBody struct {
	Lines []pipeline.LineRecord `json:"lines"`
}

// Client buffers LineRecords, flushes on size or timer, and ships the
// resulting IngestBody over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *agentlog.Logger
	requestURL string
}

// New builds a Client from cfg. It returns an error if the configured
// schema and host cannot form a valid request URL: the schema must be
// "http" or "https" and the host must be non-empty.
func New(cfg Config, logger *agentlog.Logger) (*Client, error) {
	if cfg.Schema != "http" && cfg.Schema != "https" {
		return nil, fmt.Errorf("client: unsupported schema %q", cfg.Schema)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("client: empty host")
	}
	u := url.URL{
		Scheme: cfg.Schema,
		Host:   cfg.Host,
		Path:   cfg.Endpoint,
	}
	if len(cfg.Params) > 0 {
		q := url.Values{}
		for k, v := range cfg.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		requestURL: u.String(),
	}, nil
}

// Run drains in from the Tailer (left variant) and the Retry component
// (right variant), applying the flush decision table of spec §4.4, until
// in is closed or ctx is canceled; either way the pending buffer is
// flushed before returning. Failed sends are pushed onto retrySink; the caller owns
// closing retrySink after Run returns.
func (c *Client) Run(ctx context.Context, in <-chan pipeline.ClientInput, retrySink chan<- pipeline.IngestBody) {
	var pending []pipeline.LineRecord
	var pendingBytes int

	timer := time.NewTimer(c.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		body := pipeline.NewIngestBody(pending)
		pending = nil
		pendingBytes = 0
		c.send(ctx, body, retrySink)
	}

	for {
		select {
		case item, ok := <-in:
			if !ok {
				flush()
				return
			}
			switch {
			case item.Line != nil:
				pending = append(pending, *item.Line)
				pendingBytes += len(item.Line.File) + len(item.Line.Line) + 1
				if pendingBytes >= c.cfg.BufferMaxBytes {
					flush()
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(c.cfg.FlushInterval)
				}
			case item.Body != nil:
				c.send(ctx, *item.Body, retrySink)
			}
		case <-timer.C:
			flush()
			timer.Reset(c.cfg.FlushInterval)
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// send serializes and POSTs body, dispatching it to retrySink on a
// transport error or timeout, and dropping it (logged) on a non-2xx
// response, per spec §4.4's Send table.
func (c *Client) send(ctx context.Context, body pipeline.IngestBody, retrySink chan<- pipeline.IngestBody) {
	payload, contentEncoding, err := c.encode(body)
	if err != nil {
		c.logWarn("failed to encode ingest body: %v", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.requestURL, bytes.NewReader(payload))
	if err != nil {
		c.logWarn("failed to build ingest request: %v", err)
		return
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logWarn("ingest transport error, enqueueing for retry: %v", err)
		retrySink <- body.Clone()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.logWarn("ingest rejected with status %d: %s", resp.StatusCode, string(respBody))
}

// encode serializes body per the configured encoding, returning the
// payload and the Content-Encoding header value to use (empty for plain
// JSON).
func (c *Client) encode(body pipeline.IngestBody) ([]byte, string, error) {
	raw, err := json.Marshal(wireBody{Lines: body.Lines()})
	if err != nil {
		return nil, "", fmt.Errorf("marshal ingest body: %w", err)
	}
	if !c.cfg.GzipEnabled {
		return raw, "", nil
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.cfg.GzipLevel)
	if err != nil {
		return nil, "", fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, "", fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}

func (c *Client) logWarn(format string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(fmt.Sprintf(format, args...))
	}
}
