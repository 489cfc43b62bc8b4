package gvm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds everything needed to reach one engine.
type Config struct {
	Name          string
	Host          string
	Port          int
	Username      string
	Password      string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Client is a handle to one scan engine. A single GMP command is in flight
// per connection, so all operations serialize on the client mutex. The
// session is authenticated lazily and kept until a transport error, after
// which the next operation reconnects.
type Client struct {
	cfg Config

	mu            sync.Mutex
	conn          net.Conn
	authenticated bool

	// Resolved engine ids, cached for the lifetime of the client.
	idMu           sync.Mutex
	configID       string
	scannerID      string
	reportFormatID string
}

// NewClient creates a client for one probe. No connection is made until the
// first operation.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

// Name returns the configured probe name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Addr returns the engine endpoint as host:port.
func (c *Client) Addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// Close drops the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	c.authenticated = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connectLocked dials and authenticates. Engine appliances ship self-signed
// certificates, so verification is off; the credentials are the trust anchor.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil && c.authenticated {
		return nil
	}
	_ = c.dropLocked()

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	tlsCfg := &tls.Config{InsecureSkipVerify: true}

	conn, err := tls.DialWithDialer(dialer, "tcp", c.Addr(), tlsCfg)
	if err != nil {
		return classifyTransportError(err)
	}
	c.conn = conn

	log.Debug().Str("probe", c.cfg.Name).Str("addr", c.Addr()).Msg("Engine connected")

	resp, err := c.roundTripLocked(ctx, fmt.Sprintf(
		"<authenticate><credentials><username>%s</username><password>%s</password></credentials></authenticate>",
		xmlEscape(c.cfg.Username), xmlEscape(c.cfg.Password)))
	if err != nil {
		_ = c.dropLocked()
		return err
	}

	var auth statusResponse
	if err := xml.Unmarshal(resp, &auth); err != nil {
		_ = c.dropLocked()
		return fmt.Errorf("%w: bad authenticate response: %v", ErrEngineProtocol, err)
	}
	if !auth.ok() {
		_ = c.dropLocked()
		return fmt.Errorf("%w: %s", ErrAuthFailed, auth.StatusText)
	}

	c.authenticated = true
	return nil
}

// roundTripLocked writes one command and reads one complete XML response.
// The caller holds the mutex.
func (c *Client) roundTripLocked(ctx context.Context, command string) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, classifyTransportError(err)
	}

	if _, err := io.WriteString(c.conn, command); err != nil {
		return nil, classifyTransportError(err)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if xmlComplete(buf.Bytes()) {
				return buf.Bytes(), nil
			}
		}
		if err != nil {
			return nil, classifyTransportError(err)
		}
	}
}

// xmlComplete reports whether buf holds one complete XML element. GMP has no
// length framing; the response ends when the root element closes.
func xmlComplete(buf []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(buf))
	depth := 0
	seen := false
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			seen = true
		case xml.EndElement:
			depth--
			if seen && depth == 0 {
				return true
			}
		}
	}
}

// exchange runs one command with the retry policy: reconnect and retry on
// transport errors up to the configured attempts, fixed delay in between.
// Hard failures (auth, protocol) are returned immediately.
func (c *Client) exchange(ctx context.Context, command string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, classifyTransportError(ctx.Err())
		}

		if err := c.connectLocked(ctx); err != nil {
			lastErr = err
			if !retryable(err) {
				return nil, err
			}
		} else {
			resp, err := c.roundTripLocked(ctx, command)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			_ = c.dropLocked()
			if !retryable(err) {
				return nil, err
			}
		}

		if attempt < c.cfg.RetryAttempts {
			log.Warn().Str("probe", c.cfg.Name).Int("attempt", attempt).
				Int("max_attempts", c.cfg.RetryAttempts).Err(lastErr).
				Msg("Engine operation failed, retrying")
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, classifyTransportError(ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("engine %s after %d attempts: %w", c.Addr(), c.cfg.RetryAttempts, lastErr)
}

// command sends a request, checks the GMP status attribute and unmarshals
// the response into out (which may be nil when only the status matters).
func (c *Client) command(ctx context.Context, request string, out interface{}) error {
	resp, err := c.exchange(ctx, request)
	if err != nil {
		return err
	}
	if err := c.checkStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := xml.Unmarshal(resp, out); err != nil {
			return fmt.Errorf("%w: %v", ErrEngineProtocol, err)
		}
	}

	return nil
}

// checkStatus maps a non-2xx GMP status to the right sentinel. A failed
// authentication drops the connection so the next operation logs in again.
func (c *Client) checkStatus(resp []byte) error {
	status, err := responseStatus(resp)
	if err != nil {
		return fmt.Errorf("%w: unparseable response: %v", ErrEngineProtocol, err)
	}
	if !status.ok() {
		if strings.Contains(strings.ToLower(status.StatusText), "authentication") {
			c.mu.Lock()
			_ = c.dropLocked()
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAuthFailed, status.StatusText)
		}
		return fmt.Errorf("%w: status %s: %s", ErrEngineProtocol, status.Status, status.StatusText)
	}
	return nil
}

// responseStatus reads the status attributes off the root element without
// decoding the rest of the document. Report responses can run to megabytes.
func responseStatus(raw []byte) (statusResponse, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return statusResponse{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			var status statusResponse
			for _, attr := range start.Attr {
				switch attr.Name.Local {
				case "status":
					status.Status = attr.Value
				case "status_text":
					status.StatusText = attr.Value
				}
			}
			return status, nil
		}
	}
}

// statusResponse captures the attributes every GMP response carries.
type statusResponse struct {
	Status     string `xml:"status,attr"`
	StatusText string `xml:"status_text,attr"`
}

func (r statusResponse) ok() bool {
	return strings.HasPrefix(r.Status, "2")
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
