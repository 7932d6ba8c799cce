package rcon

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// authFailureID is the reserved request id the server addresses
// authentication failure notifications to.
const authFailureID int32 = -1

// invalidRequestType is deliberately outside the valid type range. Sending it
// right behind a command provokes the server's fixed "unknown request" reply,
// which marks the end of the command's (otherwise unbounded) fragment stream.
const invalidRequestType PacketType = 100

// DefaultTerminator is the text vanilla servers send in reply to a packet of
// invalidRequestType (0x64). The exact string is server version dependent, so
// it can be overridden via Client.Terminator.
const DefaultTerminator = "Unknown request 64"

// AuthError reports a login rejected by the server, carrying the server's
// message verbatim.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "rcon: authentication failed"
	}
	return e.Message
}

// Client multiplexes concurrent command conversations over one TCP connection
// to a game server's remote console.
//
// Each Login or Command call opens its own conversation keyed by a request id
// and receives only the replies addressed to that id, so callers may issue
// commands concurrently. The server is still free to interleave its side of
// the processing; callers needing strict sequential semantics must serialize
// their own calls.
type Client struct {
	// Logger is used for dropped-packet warnings and debug packet dumps.
	Logger *logrus.Logger
	// Terminator overrides DefaultTerminator when the server version uses a
	// different "unknown request" text. Set before the first Command call.
	Terminator string
	// Debug enables per-packet dumps at debug level.
	Debug bool

	conn net.Conn
	gate *writeGate

	mu     sync.Mutex
	buffer []byte
	queues map[int32]*replyQueue
	nextID int32
	closed bool
	cause  *disconnectedError
}

// Dial connects to the remote console at addr and starts the read loop. The
// caller owns the client and must Close it when done.
func Dial(ctx context.Context, addr string, logger *logrus.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to rcon at %s: %w", addr, err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection. Used directly by tests; most
// callers want Dial.
func NewClient(conn net.Conn, logger *logrus.Logger) *Client {
	c := &Client{
		Logger: logger,
		conn:   conn,
		queues: make(map[int32]*replyQueue),
	}
	c.gate = newWriteGate(func(data []byte) error {
		_, err := conn.Write(data)
		return err
	})

	go c.readLoop()
	return c
}

// Close tears down the connection. Any conversation still waiting for a reply
// observes a disconnect.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(net.ErrClosed)
	return err
}

func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.ingest(buf[:n])
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

// ingest appends newly arrived bytes to the connection buffer and routes
// every complete frame in it. The buffer is mutated only here and only by the
// read loop, so there is a single writer.
func (c *Client) ingest(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.buffer = append(c.buffer, data...)
	for {
		pkt, used := Scan(c.buffer)
		if pkt == nil {
			return
		}
		c.buffer = c.buffer[used:]
		c.route(pkt)
	}
}

// route delivers a packet to the reply queue registered under its request id.
// Queues grow without bound so a slow consumer never loses a reply; only
// packets for abandoned or unknown conversations are logged and dropped.
// Callers must hold c.mu.
func (c *Client) route(pkt *Packet) {
	if c.Debug {
		c.Logger.Debugf("rcon recv:\n%s", spew.Sdump(pkt))
	}

	q, ok := c.queues[pkt.RequestID]
	if !ok {
		c.Logger.Warnf("rcon: dropped packet for unknown conversation %d", pkt.RequestID)
		return
	}
	q.push(pkt)
}

// shutdown moves the client to its terminal state: the write gate fails all
// senders and every registered reply queue is closed so waiting conversations
// observe the disconnect instead of hanging.
func (c *Client) shutdown(cause error) {
	c.gate.Shutdown(cause)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cause = &disconnectedError{cause: cause}

	// The -1 entry aliases a conversation's own queue, so dedupe before
	// closing.
	closed := make(map[*replyQueue]bool)
	for _, q := range c.queues {
		if !closed[q] {
			closed[q] = true
			q.close()
		}
	}
	c.queues = make(map[int32]*replyQueue)
}

func (c *Client) disconnectError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause != nil {
		return c.cause
	}
	return &disconnectedError{}
}

// openChannel allocates a request id and registers a fresh reply queue for
// it, aliased under the reserved id -1 so server-side auth failures are
// visible to the conversation. The returned release function reclaims both
// entries and must be called once the conversation is over.
func (c *Client) openChannel() (int32, *replyQueue, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, nil, c.cause
	}

	id := c.allocateID()
	q := newReplyQueue()
	c.queues[id] = q
	c.queues[authFailureID] = q

	released := false
	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(c.queues, id)
		if c.queues[authFailureID] == q {
			delete(c.queues, authFailureID)
		}
	}
	return id, q, release, nil
}

// allocateID returns the next request id. Ids increment monotonically, wrap
// back to 1 past MaxInt32 (never reusing the reserved -1 or 0), and skip any
// id with a still-registered conversation. Callers must hold c.mu.
func (c *Client) allocateID() int32 {
	for {
		c.nextID++
		if c.nextID <= 0 {
			c.nextID = 1
		}
		if _, inUse := c.queues[c.nextID]; !inUse {
			return c.nextID
		}
	}
}

func (c *Client) send(ctx context.Context, pkt *Packet) error {
	if c.Debug {
		c.Logger.Debugf("rcon send:\n%s", spew.Sdump(pkt))
	}
	return c.gate.Invoke(ctx, pkt.Bytes())
}

// await blocks until the conversation's next reply, the disconnect of the
// underlying connection, or ctx expiry. Replies buffered before a disconnect
// are still delivered.
func (c *Client) await(ctx context.Context, q *replyQueue) (*Packet, error) {
	pkt, ok, err := q.pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.disconnectError()
	}
	return pkt, nil
}

// Login authenticates the session and must be the first exchange on a new
// connection. A reply addressed to the reserved id -1 means the server
// rejected the password.
func (c *Client) Login(ctx context.Context, password string) error {
	id, q, release, err := c.openChannel()
	if err != nil {
		return err
	}
	defer release()

	if err := c.send(ctx, &Packet{RequestID: id, Type: TypeLogin, Payload: []byte(password)}); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	pkt, err := c.await(ctx, q)
	if err != nil {
		return err
	}
	switch {
	case pkt.RequestID == authFailureID:
		return &AuthError{Message: string(pkt.Payload)}
	case pkt.Type == TypeCommand:
		// The server echoes acceptance with a command-typed packet.
		return nil
	default:
		return fmt.Errorf("rcon: protocol violation: unexpected type %d reply during login", pkt.Type)
	}
}

// Command sends text to the server console and returns the reply fragment
// stream. The second, deliberately invalid packet provokes the terminator
// reply that bounds the stream.
func (c *Client) Command(ctx context.Context, text string) (*Reply, error) {
	id, q, release, err := c.openChannel()
	if err != nil {
		return nil, err
	}

	terminator := c.Terminator
	if terminator == "" {
		terminator = DefaultTerminator
	}

	if err := c.send(ctx, &Packet{RequestID: id, Type: TypeCommand, Payload: []byte(text)}); err != nil {
		release()
		return nil, fmt.Errorf("sending command: %w", err)
	}
	if err := c.send(ctx, &Packet{RequestID: id, Type: invalidRequestType}); err != nil {
		release()
		return nil, fmt.Errorf("sending command terminator: %w", err)
	}

	return &Reply{c: c, q: q, release: release, terminator: terminator}, nil
}

// Run executes one command and drains its whole reply.
func (c *Client) Run(ctx context.Context, text string) ([]string, error) {
	reply, err := c.Command(ctx, text)
	if err != nil {
		return nil, err
	}
	defer reply.Close()

	var fragments []string
	for {
		fragment, ok, err := reply.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return fragments, nil
		}
		fragments = append(fragments, fragment)
	}
}

// Reply is one command's stream of decoded text fragments. It is lazy,
// finite, and non-restartable: fragments are pulled from the connection on
// demand and the stream ends when the server's terminator reply is seen.
type Reply struct {
	c          *Client
	q          *replyQueue
	release    func()
	terminator string
	done       bool
}

// Next returns the next fragment. ok is false once the stream has completed;
// a non-nil error means it aborted (disconnect, auth failure, or ctx expiry)
// and the stream is over.
func (r *Reply) Next(ctx context.Context) (fragment string, ok bool, err error) {
	if r.done {
		return "", false, nil
	}

	pkt, err := r.c.await(ctx, r.q)
	if err != nil {
		r.finish()
		return "", false, err
	}
	if pkt.RequestID == authFailureID {
		r.finish()
		return "", false, &AuthError{Message: string(pkt.Payload)}
	}
	if string(pkt.Payload) == r.terminator {
		// The sentinel itself is never yielded.
		r.finish()
		return "", false, nil
	}
	return string(pkt.Payload), true, nil
}

// Close abandons the reply early, reclaiming the conversation. Safe to call
// after the stream has ended.
func (r *Reply) Close() {
	r.finish()
}

func (r *Reply) finish() {
	if !r.done {
		r.done = true
		r.release()
	}
}
