package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"messapp/protocol"
)

const (
	connectAttempts = 5
	connectBackoff  = 1 * time.Second
	dialTimeout     = 5 * time.Second
	controlTimeout  = 5 * time.Second
	pollTimeout     = 500 * time.Millisecond
	writeTimeout    = 5 * time.Second
)

// Client is the transport side of the chat protocol: it connects with
// bounded retries, runs the challenge handshake and keeps a background
// receive loop for pushed messages.
type Client struct {
	addr         string
	login        string
	passwordHash string
	pubkey       string

	conn   net.Conn
	reader *protocol.FrameReader

	// sockMu serializes all socket access: a request's write and the read
	// of its response happen under the lock, so the background receiver
	// cannot swallow the response, and vice versa a pushed message read
	// mid-request is dispatched, not lost.
	sockMu sync.Mutex

	stateMu sync.Mutex
	running bool
	done    chan struct{}

	handlerMu    sync.Mutex
	onMessage    func(from, text string)
	onDisconnect func()

	cacheMu  sync.RWMutex
	users    []string
	contacts []string
}

// New creates a client for the given account. The plaintext password is
// hashed immediately and never kept.
func New(addr, login, password, pubkey string) *Client {
	return &Client{
		addr:         addr,
		login:        login,
		passwordHash: protocol.PasswordHash(login, password),
		pubkey:       pubkey,
	}
}

// OnMessage registers the callback for incoming chat messages. It is
// invoked from the receive goroutine.
func (c *Client) OnMessage(fn func(from, text string)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onMessage = fn
}

// OnDisconnect registers the callback fired when the connection is lost
// without an explicit Shutdown, so the caller can decide to reconnect.
func (c *Client) OnDisconnect(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnect = fn
}

// Connect dials the server, authenticates and warms the local user and
// contact caches, then starts the receive loop.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = protocol.NewFrameReader(conn)

	if err := c.authenticate(); err != nil {
		conn.Close()
		return err
	}

	// Прогреваем кеши; любой сбой здесь фатален для попытки подключения
	if err := c.refreshUsers(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: users request failed: %v", ErrServerUnavailable, err)
	}
	if err := c.refreshContacts(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: contacts request failed: %v", ErrServerUnavailable, err)
	}

	c.stateMu.Lock()
	c.running = true
	c.done = make(chan struct{})
	c.stateMu.Unlock()

	go c.receiveLoop()
	return nil
}

func (c *Client) dial() (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Printf("Connect attempt %d/%d to %s failed: %v", attempt, connectAttempts, c.addr, err)
		if attempt < connectAttempts {
			time.Sleep(connectBackoff)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, lastErr)
}

func (c *Client) authenticate() error {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	presence := protocol.Message{
		protocol.KeyAction: protocol.ActionPresence,
		protocol.KeyTime:   unixNow(),
		protocol.KeyUser: map[string]any{
			protocol.KeyAccountName: c.login,
			protocol.KeyPublicKey:   c.pubkey,
		},
	}
	if err := protocol.WriteFrame(c.conn, presence, writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	reply, err := c.reader.ReadFrame(controlTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	code, _ := reply.Response()
	switch code {
	case protocol.ResponseChallenge:
		// продолжаем рукопожатие ниже
	case protocol.ResponseError:
		return &AuthError{Reason: reply.Str(protocol.KeyError)}
	default:
		return fmt.Errorf("%w: unexpected handshake response %d", ErrServerUnavailable, code)
	}

	digest := protocol.ChallengeDigest(c.passwordHash, reply.Str(protocol.KeyData))
	answer := protocol.Message{
		protocol.KeyResponse:    protocol.ResponseChallenge,
		protocol.KeyAccountName: c.login,
		protocol.KeyData:        digest,
	}
	if err := protocol.WriteFrame(c.conn, answer, writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	reply, err = c.reader.ReadFrame(controlTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	switch code, _ := reply.Response(); code {
	case protocol.ResponseOK:
		return nil
	case protocol.ResponseError:
		return &AuthError{Reason: reply.Str(protocol.KeyError)}
	default:
		return fmt.Errorf("%w: unexpected handshake response %d", ErrServerUnavailable, code)
	}
}

// roundTrip sends a request and reads frames until the server's response
// arrives. Pushed messages that happen to interleave are dispatched to the
// message callback instead of being dropped.
func (c *Client) roundTrip(req protocol.Message) (protocol.Message, error) {
	reply, pushed, err := c.exchange(req)

	// Колбэк зовём только отпустив sockMu: он имеет право снова войти
	// в клиент, например ответить через SendMessage
	for _, msg := range pushed {
		c.dispatchMessage(msg)
	}

	return reply, err
}

// exchange выполняет пару запрос-ответ под блокировкой сокета. Чужие
// message-кадры, пришедшие вперемешку с ответом, накапливаются и
// возвращаются вызывающему для диспетчеризации вне блокировки.
func (c *Client) exchange(req protocol.Message) (protocol.Message, []protocol.Message, error) {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.conn == nil {
		return nil, nil, ErrNotConnected
	}

	if err := protocol.WriteFrame(c.conn, req, writeTimeout); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	var pushed []protocol.Message
	for {
		reply, err := c.reader.ReadFrame(controlTimeout)
		if err != nil {
			return nil, pushed, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		}
		if reply.Action() == protocol.ActionMessage {
			pushed = append(pushed, reply)
			continue
		}
		if _, ok := reply.Response(); ok {
			return reply, pushed, nil
		}
		log.Printf("Skipping unexpected frame while waiting for response: %v", reply.Action())
	}
}

// SendMessage delivers a chat message and blocks until the server confirms
// the relay. A 400 reply becomes a DeliveryError.
func (c *Client) SendMessage(to, text string) error {
	if !c.isRunning() {
		return ErrNotConnected
	}

	reply, err := c.roundTrip(protocol.Message{
		protocol.KeyAction:      protocol.ActionMessage,
		protocol.KeyTime:        unixNow(),
		protocol.KeyFrom:        c.login,
		protocol.KeyTo:          to,
		protocol.KeyMessageText: text,
	})
	if err != nil {
		return err
	}

	switch code, _ := reply.Response(); code {
	case protocol.ResponseOK:
		return nil
	case protocol.ResponseError:
		return &DeliveryError{Recipient: to, Reason: reply.Str(protocol.KeyError)}
	default:
		return fmt.Errorf("unexpected response %d", code)
	}
}

// Users requests the registered user list and refreshes the local cache.
func (c *Client) Users() ([]string, error) {
	if err := c.refreshUsers(); err != nil {
		return nil, err
	}
	return c.CachedUsers(), nil
}

// Contacts requests the contact list and refreshes the local cache.
func (c *Client) Contacts() ([]string, error) {
	if err := c.refreshContacts(); err != nil {
		return nil, err
	}
	return c.CachedContacts(), nil
}

func (c *Client) refreshUsers() error {
	reply, err := c.roundTrip(protocol.Message{
		protocol.KeyAction:      protocol.ActionUsersRequest,
		protocol.KeyTime:        unixNow(),
		protocol.KeyAccountName: c.login,
	})
	if err != nil {
		return err
	}
	if code, _ := reply.Response(); code != protocol.ResponseAccepted {
		return fmt.Errorf("users request: %s", reply.Str(protocol.KeyError))
	}

	c.cacheMu.Lock()
	c.users = reply.StrList(protocol.KeyDataList)
	c.cacheMu.Unlock()
	return nil
}

func (c *Client) refreshContacts() error {
	reply, err := c.roundTrip(protocol.Message{
		protocol.KeyAction:      protocol.ActionGetContacts,
		protocol.KeyTime:        unixNow(),
		protocol.KeyAccountName: c.login,
	})
	if err != nil {
		return err
	}
	if code, _ := reply.Response(); code != protocol.ResponseAccepted {
		return fmt.Errorf("contacts request: %s", reply.Str(protocol.KeyError))
	}

	c.cacheMu.Lock()
	c.contacts = reply.StrList(protocol.KeyDataList)
	c.cacheMu.Unlock()
	return nil
}

// CachedUsers returns the user list from the last refresh.
func (c *Client) CachedUsers() []string {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return append([]string(nil), c.users...)
}

// CachedContacts returns the contact list from the last refresh.
func (c *Client) CachedContacts() []string {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return append([]string(nil), c.contacts...)
}

// AddContact adds a user to the contact list.
func (c *Client) AddContact(name string) error {
	return c.contactOp(protocol.ActionAddContact, name)
}

// DelContact removes a user from the contact list. Removing an absent
// contact succeeds.
func (c *Client) DelContact(name string) error {
	return c.contactOp(protocol.ActionDelContact, name)
}

func (c *Client) contactOp(action, name string) error {
	reply, err := c.roundTrip(protocol.Message{
		protocol.KeyAction:      action,
		protocol.KeyTime:        unixNow(),
		protocol.KeyAccountName: c.login,
		protocol.KeyContact:     name,
	})
	if err != nil {
		return err
	}
	if code, _ := reply.Response(); code != protocol.ResponseOK {
		return fmt.Errorf("%s %s: %s", action, name, reply.Str(protocol.KeyError))
	}
	return c.refreshContacts()
}

// RequestPublicKey fetches the stored public key of another user.
func (c *Client) RequestPublicKey(name string) (string, error) {
	reply, err := c.roundTrip(protocol.Message{
		protocol.KeyAction:      protocol.ActionPubkeyRequest,
		protocol.KeyTime:        unixNow(),
		protocol.KeyAccountName: name,
	})
	if err != nil {
		return "", err
	}
	if code, _ := reply.Response(); code != protocol.ResponseChallenge {
		return "", fmt.Errorf("pubkey request for %s: %s", name, reply.Str(protocol.KeyError))
	}
	return reply.Str(protocol.KeyData), nil
}

// receiveLoop polls the socket with a short timeout so it can notice
// Shutdown, and dispatches pushed messages.
func (c *Client) receiveLoop() {
	for {
		c.stateMu.Lock()
		done := c.done
		running := c.running
		c.stateMu.Unlock()
		if !running {
			return
		}
		select {
		case <-done:
			return
		default:
		}

		c.sockMu.Lock()
		msg, err := c.reader.ReadFrame(pollTimeout)
		c.sockMu.Unlock()

		if err != nil {
			if errors.Is(err, protocol.ErrReadTimeout) {
				continue
			}
			// Битый поток или обрыв: соединение дальше непригодно
			if c.markLost() {
				log.Printf("Connection to %s lost: %v", c.addr, err)
				c.conn.Close()
				c.handlerMu.Lock()
				fn := c.onDisconnect
				c.handlerMu.Unlock()
				if fn != nil {
					fn()
				}
			}
			return
		}

		c.handleIncoming(msg)
	}
}

func (c *Client) handleIncoming(msg protocol.Message) {
	if msg.Action() == protocol.ActionMessage {
		c.dispatchMessage(msg)
		return
	}
	if code, ok := msg.Response(); ok {
		log.Printf("Unexpected response %d outside of a request", code)
		return
	}
	log.Printf("Unknown incoming frame: %q", msg.Action())
}

func (c *Client) dispatchMessage(msg protocol.Message) {
	c.handlerMu.Lock()
	fn := c.onMessage
	c.handlerMu.Unlock()
	if fn != nil {
		fn(msg.Str(protocol.KeyFrom), msg.Str(protocol.KeyMessageText))
	}
}

func (c *Client) isRunning() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.running
}

// markLost flips running to false exactly once.
func (c *Client) markLost() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.running {
		return false
	}
	c.running = false
	return true
}

// Shutdown sends a best-effort exit frame, stops the receive loop and
// closes the socket. Safe to call from any state; waits at most one poll
// interval for the receiver to release the socket.
func (c *Client) Shutdown() {
	c.stateMu.Lock()
	wasRunning := c.running
	c.running = false
	if c.done != nil {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
	c.stateMu.Unlock()

	if c.conn == nil {
		return
	}

	if wasRunning {
		c.sockMu.Lock()
		// Ошибки неинтересны: сервер мог уже закрыть соединение
		_ = protocol.WriteFrame(c.conn, protocol.Message{
			protocol.KeyAction:      protocol.ActionExit,
			protocol.KeyTime:        unixNow(),
			protocol.KeyAccountName: c.login,
		}, writeTimeout)
		c.sockMu.Unlock()
	}

	c.conn.Close()
}

func unixNow() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}
