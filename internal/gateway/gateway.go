// Package gateway connects to the messaging bridge over a websocket and
// exposes it as a session connection.
//
// Frames are JSON objects with a "type" field. The client sends "hello"
// (with stored credentials, if any), "lookup" and "creds_ack"; the bridge
// sends "qr", "open", "close", "creds" and "lookup_result".
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goodtune/numcheck/internal/session"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	frameHello        = "hello"
	frameLookup       = "lookup"
	frameCredsAck     = "creds_ack"
	frameQR           = "qr"
	frameOpen         = "open"
	frameClose        = "close"
	frameCreds        = "creds"
	frameLookupResult = "lookup_result"

	writeTimeout = 10 * time.Second
)

// frame is the wire format shared by both directions
type frame struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	QR          string `json:"qr,omitempty"`
	Reason      int    `json:"reason,omitempty"`
	Number      string `json:"number,omitempty"`
	Exists      bool   `json:"exists,omitempty"`
	Error       string `json:"error,omitempty"`
	Credentials []byte `json:"credentials,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// Config holds bridge connection settings
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
}

// Dialer opens bridge connections. It implements session.Dialer.
type Dialer struct {
	cfg    Config
	ws     websocket.Dialer
	logger zerolog.Logger
}

// NewDialer creates a bridge dialer
func NewDialer(cfg Config, logger zerolog.Logger) *Dialer {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		ws: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Dial connects to the bridge and sends the hello frame. The context bounds
// the handshake only; the connection lives until Close or a remote close.
func (d *Dialer) Dial(ctx context.Context, creds *storage.Credentials) (session.Conn, error) {
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	d.logger.Debug().Str("url", d.cfg.URL).Bool("has_credentials", creds != nil).Msg("Dialing bridge")

	ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial bridge: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := newConn(ws, d.logger)

	hello := frame{Type: frameHello}
	if creds != nil {
		hello.Credentials = creds.Data
		hello.Version = creds.Version
	}
	if err := c.write(hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}
