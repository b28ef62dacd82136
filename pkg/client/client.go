// Package client implements the chat wire protocol from the connecting
// side: handshake, secure channel, logon, and the post-logon commands.
// It is the core the terminal front-end and the journey tests drive.
package client

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andriy/mychat/pkg/crypto"
	"github.com/andriy/mychat/pkg/protocol"
)

var (
	// ErrServerNotLegitimate means the server failed its identity proof.
	ErrServerNotLegitimate = errors.New("server failed legitimacy challenge")

	// ErrCommandFailed is the failure reply to a command.
	ErrCommandFailed = errors.New("server replied failure")

	// ErrReplyTimeout means no reply arrived within the configured window.
	ErrReplyTimeout = errors.New("timed out waiting for server reply")
)

// Config carries everything needed to reach and trust a server.
type Config struct {
	Address      string
	SigningKey   ed25519.PrivateKey // pre-shared client credential
	ServerKey    ed25519.PublicKey  // verifies the server's identity proof
	MaxFrameSize uint32
	KeyLength    int
	DialTimeout  time.Duration
	ReplyTimeout time.Duration // per-command reply wait
}

// DefaultConfig returns client defaults matching the server's.
func DefaultConfig(address string) Config {
	return Config{
		Address:      address,
		MaxFrameSize: protocol.DefaultMaxFrameSize,
		KeyLength:    crypto.DefaultKeyLength,
		DialTimeout:  5 * time.Second,
		ReplyTimeout: 5 * time.Second,
	}
}

// MessageHandler receives forwarded chat messages from the listener.
type MessageHandler func(msg *protocol.ChatMessage)

// ChatClient is one protocol session. Commands are serialized: one
// outstanding request/reply pair at a time.
type ChatClient struct {
	config Config
	conn   net.Conn

	framer  *protocol.Framer
	channel *crypto.SecureChannel

	login string

	sendMu sync.Mutex // serializes writes (commands and probe echoes)
	reqMu  sync.Mutex // one outstanding command reply at a time

	statusCh chan uint8
	listCh   chan []string

	onMessage    MessageHandler
	listening    atomic.Bool
	listenerDone chan struct{}
	closeOnce    sync.Once
}

// Dial connects and runs the full handshake. The returned client is
// Encrypted but not yet logged on.
func Dial(config Config) (*ChatClient, error) {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if config.KeyLength == 0 {
		config.KeyLength = crypto.DefaultKeyLength
	}

	conn, err := net.DialTimeout("tcp", config.Address, config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", config.Address, err)
	}

	c := &ChatClient{
		config:       config,
		conn:         conn,
		framer:       protocol.NewFramer(conn, config.MaxFrameSize),
		statusCh:     make(chan uint8, 1),
		listCh:       make(chan []string, 1),
		listenerDone: make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// handshake mirrors the server's fixed pre-traffic sequence: answer the
// server's challenge, challenge the server back, then agree on a key.
func (c *ChatClient) handshake() error {
	if err := c.conn.SetDeadline(time.Now().Add(c.config.DialTimeout)); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})

	// Prove this client holds the pre-shared credential.
	challenge, err := c.framer.Receive()
	if err != nil {
		return err
	}
	signer := crypto.NewSigner(c.config.SigningKey)
	if err := c.framer.Send(signer.Sign(challenge)); err != nil {
		return err
	}

	// Make the server prove itself.
	ownChallenge, err := crypto.GenerateChallenge()
	if err != nil {
		return err
	}
	if err := c.framer.Send(ownChallenge); err != nil {
		return err
	}
	signature, err := c.framer.Receive()
	if err != nil {
		return err
	}
	verifier := crypto.NewVerifier(c.config.ServerKey)
	if err := verifier.Verify(ownChallenge, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrServerNotLegitimate, err)
	}

	// Key agreement: client sends its public component first.
	pair, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return err
	}
	if err := c.framer.Send(pair.PublicKey[:]); err != nil {
		return err
	}
	serverPublic, err := c.framer.Receive()
	if err != nil {
		return err
	}
	secret, err := pair.SharedSecret(serverPublic)
	if err != nil {
		return err
	}
	key, err := crypto.SymmetricKey(secret, c.config.KeyLength)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewChannelCipher(key, crypto.ChannelIV[:])
	if err != nil {
		return err
	}
	c.channel = crypto.NewSecureChannel(c.framer, cipher)
	return nil
}

// Logon authenticates with an existing account. Must be called before
// StartListener; the reply is read directly off the channel.
func (c *ChatClient) Logon(login, password string) error {
	if err := c.sendService(protocol.KindLogon, login, password); err != nil {
		return err
	}
	return c.readLogonReply(login)
}

// Register creates an account and logs straight on.
func (c *ChatClient) Register(login, password string) error {
	if err := c.sendService(protocol.KindRegister, login, password); err != nil {
		return err
	}
	return c.readLogonReply(login)
}

func (c *ChatClient) sendService(kind uint8, login, password string) error {
	creds := protocol.Credentials{Login: login, Password: password}
	data, err := creds.Encode()
	if err != nil {
		return err
	}
	envelope := protocol.ServiceMessage{Kind: kind, Data: data}
	payload, err := envelope.Encode()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.channel.Send(payload)
}

func (c *ChatClient) readLogonReply(login string) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReplyTimeout)); err != nil {
		return err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	payload, err := c.channel.Receive()
	if err != nil {
		return err
	}
	var resp protocol.LogonResponse
	if err := resp.Decode(payload); err != nil {
		return err
	}
	if resp.Status != protocol.StatusSuccess {
		return fmt.Errorf("%w: %s", ErrCommandFailed, resp.Message)
	}
	c.login = login
	return nil
}

// Login returns the authenticated login, or "" before logon.
func (c *ChatClient) Login() string {
	return c.login
}

// StartListener spawns the read loop. After this, all incoming bytes are
// consumed by the listener: forwarded chat goes to handler, command
// replies to the internal channels, liveness probes are echoed back.
func (c *ChatClient) StartListener(handler MessageHandler) {
	if !c.listening.CompareAndSwap(false, true) {
		return
	}
	c.onMessage = handler
	go c.listen()
}

func (c *ChatClient) listen() {
	defer close(c.listenerDone)

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		op, err := protocol.ReadUint8(c.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if !c.listening.Load() {
					return
				}
				continue
			}
			return
		}

		switch op {
		case protocol.StatusSuccess, protocol.StatusFailure:
			select {
			case c.statusCh <- op:
			default:
			}

		case protocol.OpProbe:
			c.sendMu.Lock()
			_ = protocol.WriteUint8(c.conn, protocol.OpProbe)
			c.sendMu.Unlock()

		case protocol.OpRoomMessage, protocol.OpDirectMessage, protocol.OpBroadcast:
			payload, err := c.receiveBody()
			if err != nil {
				return
			}
			var msg protocol.ChatMessage
			if err := msg.Decode(payload); err != nil {
				return
			}
			if c.onMessage != nil {
				c.onMessage(&msg)
			}

		case protocol.OpListRooms, protocol.OpRoomMembers:
			payload, err := c.receiveBody()
			if err != nil {
				return
			}
			var list protocol.NameList
			if err := list.Decode(payload); err != nil {
				return
			}
			select {
			case c.listCh <- list.Names:
			default:
			}

		default:
			// Unknown byte from the server: the stream is out of sync
			// and cannot be trusted further.
			return
		}
	}
}

// receiveBody reads the encrypted frame following a just-read op byte.
func (c *ChatClient) receiveBody() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReplyTimeout)); err != nil {
		return nil, err
	}
	return c.channel.Receive()
}

// JoinRoom joins (or creates) a room. Requires a running listener.
func (c *ChatClient) JoinRoom(room, password string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	msg := protocol.JoinRoomMessage{Room: room, Password: password}
	if err := c.sendCommand(protocol.OpJoinRoom, &msg); err != nil {
		return err
	}
	return c.awaitStatus()
}

// LeaveRoom leaves a room previously joined.
func (c *ChatClient) LeaveRoom(room string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	msg := protocol.RoomNameMessage{Room: room}
	if err := c.sendCommand(protocol.OpLeaveRoom, &msg); err != nil {
		return err
	}
	return c.awaitStatus()
}

// ListRooms returns the names of all rooms on the server.
func (c *ChatClient) ListRooms() ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.sendCommand(protocol.OpListRooms, nil); err != nil {
		return nil, err
	}
	return c.awaitList()
}

// RoomMembers returns the logins currently joined to room.
func (c *ChatClient) RoomMembers(room string) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	msg := protocol.RoomNameMessage{Room: room}
	if err := c.sendCommand(protocol.OpRoomMembers, &msg); err != nil {
		return nil, err
	}
	return c.awaitList()
}

// SendRoomMessage sends text to every member of room. No reply arrives on
// success; a failure byte (sender not a member) surfaces on Status.
func (c *ChatClient) SendRoomMessage(room, text string) error {
	msg := protocol.ChatMessage{
		Type:    protocol.OpRoomMessage,
		Source:  c.login,
		Dest:    room,
		Message: text,
	}
	return c.sendCommand(protocol.OpRoomMessage, &msg)
}

// SendDirectMessage sends text to a single logged-on user.
func (c *ChatClient) SendDirectMessage(user, text string) error {
	msg := protocol.ChatMessage{
		Type:    protocol.OpDirectMessage,
		Source:  c.login,
		Dest:    user,
		Message: text,
	}
	return c.sendCommand(protocol.OpDirectMessage, &msg)
}

// SendBroadcast sends text to every logged-on session.
func (c *ChatClient) SendBroadcast(text string) error {
	msg := protocol.ChatMessage{
		Type:    protocol.OpBroadcast,
		Source:  c.login,
		Message: text,
	}
	return c.sendCommand(protocol.OpBroadcast, &msg)
}

// Status exposes the raw success/failure reply stream for commands that
// have no success acknowledgement.
func (c *ChatClient) Status() <-chan uint8 {
	return c.statusCh
}

// Logout tells the server to free the session, waits for the reply, and
// closes the connection.
func (c *ChatClient) Logout() error {
	c.reqMu.Lock()
	if err := c.sendCommand(protocol.OpLogout, nil); err != nil {
		c.reqMu.Unlock()
		c.Close()
		return err
	}
	err := c.awaitStatus()
	c.reqMu.Unlock()
	c.Close()
	return err
}

// Close tears the connection down. Idempotent.
func (c *ChatClient) Close() {
	c.closeOnce.Do(func() {
		wasListening := c.listening.Swap(false)
		_ = c.conn.Close()
		if wasListening {
			<-c.listenerDone
		}
	})
}

// sendCommand writes the op byte and, when msg is non-nil, its encrypted
// body frame.
func (c *ChatClient) sendCommand(op uint8, msg protocol.Message) error {
	var payload []byte
	if msg != nil {
		var err error
		if payload, err = msg.Encode(); err != nil {
			return err
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.WriteUint8(c.conn, op); err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return c.channel.Send(payload)
}

func (c *ChatClient) awaitStatus() error {
	select {
	case status := <-c.statusCh:
		if status != protocol.StatusSuccess {
			return ErrCommandFailed
		}
		return nil
	case <-c.listenerDone:
		return net.ErrClosed
	case <-time.After(c.config.ReplyTimeout):
		return ErrReplyTimeout
	}
}

func (c *ChatClient) awaitList() ([]string, error) {
	select {
	case names := <-c.listCh:
		return names, nil
	case status := <-c.statusCh:
		if status != protocol.StatusSuccess {
			return nil, ErrCommandFailed
		}
		return nil, fmt.Errorf("%w: stray success byte before list reply", protocol.ErrMalformedMessage)
	case <-c.listenerDone:
		return nil, net.ErrClosed
	case <-time.After(c.config.ReplyTimeout):
		return nil, ErrReplyTimeout
	}
}
