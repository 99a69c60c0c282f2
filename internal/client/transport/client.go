// Package transport multiplexes topic channels over one websocket, keeps the
// socket alive with exponential backoff and resubscribes every open handle
// after each reconnect. All handle state lives on the owning loop.
package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/client/loop"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

var (
	ErrConnection   = errors.New("channel connection failed")
	ErrNotConnected = errors.New("channel not connected")
)

type Options struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // consecutive failures before giving up; 0 retries forever
	Logger      zerolog.Logger
	// Wait sleeps between reconnect attempts; tests replace it.
	Wait func(ctx context.Context, d time.Duration) error
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Client struct {
	loop   *loop.Loop
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once

	writeMu sync.Mutex

	// loop-confined
	conn      Conn
	everUp    bool
	exhausted bool
	handles   map[domain.Topic]*Handle
	refs      int
}

func New(l *loop.Loop, d Dialer, opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Wait == nil {
		opts.Wait = sleep
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		loop:    l,
		dialer:  d,
		opts:    opts,
		log:     opts.Logger.With().Str("module", "client.transport").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		handles: make(map[domain.Topic]*Handle),
	}
}

// Start launches the connection supervisor. Calling it twice is a no-op.
func (c *Client) Start() {
	c.start.Do(func() { go c.supervise() })
}

// Close stops reconnecting and drops the socket. It must not be called from
// the loop while the loop is blocked on transport callbacks; it waits for the
// supervisor to exit.
func (c *Client) Close() {
	c.cancel()
	c.start.Do(func() { close(c.done) })
	c.closeConn()
	<-c.done
}

func (c *Client) closeConn() {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) supervise() {
	defer close(c.done)
	b := NewBackoff(c.opts.BaseDelay, c.opts.MaxDelay)
	failures := 0
	for {
		conn, err := c.dialer.Dial(c.ctx, c.opts.URL)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.log.Warn().Err(err).Int("failures", failures).Msg("connect failed")
			if c.opts.MaxAttempts > 0 && failures >= c.opts.MaxAttempts {
				c.log.Error().Int("failures", failures).Msg("reconnect attempts exhausted")
				c.loop.Post(c.onExhausted)
				return
			}
			d := b.Next()
			c.log.Debug().Dur("delay", d).Int("attempt", b.Attempt()).Msg("waiting before reconnect")
			if err := c.opts.Wait(c.ctx, d); err != nil {
				return
			}
			continue
		}

		b.Reset()
		failures = 0
		c.log.Info().Str("url", c.opts.URL).Msg("connected")
		if !c.loop.Post(func() { c.onOpen(conn) }) {
			_ = conn.Close()
			return
		}
		c.read(conn)
		c.loop.Post(func() { c.onDrop(conn) })
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Msg("connection dropped, reconnecting")
	}
}

// read pumps frames until the socket fails. Decoding happens here so the
// loop only ever sees validated messages.
func (c *Client) read(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("read failed")
			}
			_ = conn.Close()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping inbound frame")
			continue
		}
		if _, ok := msg.(protocol.Pong); ok {
			continue
		}
		c.loop.Post(func() { c.dispatch(msg) })
	}
}

func (c *Client) onOpen(conn Conn) {
	if c.ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.everUp = true
	for _, h := range c.handles {
		h.resubscribe()
	}
}

func (c *Client) onDrop(conn Conn) {
	c.writeMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	for _, h := range c.handles {
		h.connectionLost()
	}
}

func (c *Client) onExhausted() {
	c.exhausted = true
	for _, h := range c.handles {
		h.setState(domain.Disconnected)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	h, ok := c.handles[msg.MessageTopic()]
	if !ok {
		c.log.Debug().Str("topic", string(msg.MessageTopic())).Msg("message for unknown topic")
		return
	}
	h.receive(msg)
}

// Connected reports whether a socket is currently up. Loop only.
func (c *Client) Connected() bool { return c.conn != nil }

func (c *Client) nextRef() string {
	c.refs++
	return strconv.Itoa(c.refs)
}

// send writes one envelope. Loop only.
func (c *Client) send(t protocol.Type, topic domain.Topic, event, ref string, payload any) error {
	frame, err := protocol.Encode(t, topic, event, ref, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Join(ErrConnection, err)
	}
	return nil
}

// Subscribe opens the channel for topic, or returns the already open handle.
// It never fails synchronously: failures show up as handle state. Loop only.
func (c *Client) Subscribe(topic domain.Topic) *Handle {
	if h, ok := c.handles[topic]; ok {
		return h
	}
	h := newHandle(c, topic)
	c.handles[topic] = h
	switch {
	case c.exhausted:
		h.state = domain.Disconnected
	case c.conn != nil:
		h.resubscribe()
	}
	return h
}

func (c *Client) forget(h *Handle) {
	if cur, ok := c.handles[h.topic]; ok && cur == h {
		delete(c.handles, h.topic)
	}
}
