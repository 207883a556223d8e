package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/numcheck/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is one bridge connection. Lookups are multiplexed by request id;
// writes are serialised.
type Conn struct {
	ws     *websocket.Conn
	events chan session.Event
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	nextID  atomic.Uint64

	done      chan struct{} // closed by Close
	readDone  chan struct{} // closed when the read loop exits
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:       ws,
		events:   make(chan session.Event, 16),
		logger:   logger,
		pending:  make(map[string]chan frame),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Events returns the status and credential events of the connection.
func (c *Conn) Events() <-chan session.Event {
	return c.events
}

// Lookup asks the bridge whether number is registered.
func (c *Conn) Lookup(ctx context.Context, number string) (bool, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Type: frameLookup, ID: id, Number: number}); err != nil {
		return false, fmt.Errorf("%w: %v", session.ErrConnectionUnavailable, err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return false, errors.New(res.Error)
		}
		return res.Exists, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.readDone:
		return false, session.ErrConnectionUnavailable
	}
}

// Close ends the connection. The events channel is closed once the read
// loop has stopped.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *Conn) readLoop() {
	defer c.shutdown()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				c.logger.Debug().Msg("Bridge connection closed locally")
			default:
				c.logger.Warn().Err(err).Msg("Bridge connection lost")
			}
			c.emit(session.Event{Kind: session.EventClose, Reason: session.ReasonConnectionLost})
			return
		}

		switch f.Type {
		case frameQR:
			c.emit(session.Event{Kind: session.EventChallenge, Challenge: f.QR})

		case frameOpen:
			c.emit(session.Event{Kind: session.EventOpen})

		case frameClose:
			c.logger.Info().Int("reason", f.Reason).Msg("Bridge closed the session")
			c.emit(session.Event{Kind: session.EventClose, Reason: session.CloseReason(f.Reason)})
			return

		case frameCreds:
			id := f.ID
			c.emit(session.Event{
				Kind:        session.EventCredentials,
				Credentials: f.Credentials,
				Ack:         func(err error) { c.ackCredentials(id, err) },
			})

		case frameLookupResult:
			c.resolve(f)

		default:
			c.logger.Warn().Str("type", f.Type).Msg("Ignoring unknown bridge frame")
		}
	}
}

func (c *Conn) ackCredentials(id string, err error) {
	ack := frame{Type: frameCredsAck, ID: id}
	if err != nil {
		ack.Error = err.Error()
	}
	if werr := c.write(ack); werr != nil {
		c.logger.Warn().Err(werr).Str("id", id).Msg("Failed to acknowledge credentials")
	}
}

func (c *Conn) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("id", f.ID).Msg("Dropping result for unknown lookup")
		return
	}
	ch <- f
}

// emit delivers an event unless the connection was closed locally
func (c *Conn) emit(ev session.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) shutdown() {
	close(c.readDone)
	close(c.events)
	_ = c.ws.Close()
}
