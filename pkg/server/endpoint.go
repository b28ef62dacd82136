package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andriy/mychat/pkg/crypto"
	"github.com/andriy/mychat/pkg/database"
	"github.com/andriy/mychat/pkg/protocol"
)

// Session status values. Transitions only move forward; Freed is terminal.
const (
	StatusUninitialized int32 = iota
	StatusVerified            // client proved it holds the expected credential
	StatusEncrypted           // key agreement done, secure channel up
	StatusLoggedOn            // credentials accepted, registered in the directory
	StatusFreed
)

var (
	// ErrClientNotLegitimate means the connecting program failed the
	// challenge/response proof. The connection is dropped before any
	// further protocol step runs.
	ErrClientNotLegitimate = errors.New("client failed legitimacy challenge")

	// ErrSecureChannelInit wraps any failure during key agreement or
	// cipher setup. Partial crypto state is never reused.
	ErrSecureChannelInit = errors.New("secure channel setup failed")

	// ErrCredentialsRejected means a rejection reply was already sent;
	// the connection is then dropped.
	ErrCredentialsRejected = errors.New("credentials rejected")

	// ErrPeerUnreachable marks a forwarding failure on another session's
	// connection. It queues that peer for removal and never fails the
	// sender's command.
	ErrPeerUnreachable = errors.New("peer connection unreachable")

	errClientLogout = errors.New("client logged out")
)

// Write deadline for replies and fan-out, so one wedged peer cannot hold
// a sender's dispatch (or the sweeper) forever.
const writeTimeout = 5 * time.Second

// ClientEndpoint owns one accepted connection: the handshake, the secure
// channel, logon, and the command loop. Other sessions reach it only
// through forwardChat/writeStatus, which serialize on sendMu.
type ClientEndpoint struct {
	server  *Server
	conn    net.Conn
	framer  *protocol.Framer
	channel *crypto.SecureChannel

	status atomic.Int32
	login  string
	rooms  map[string]bool // guarded by the directory lock

	sendMu sync.Mutex // serializes all writes to conn

	// Liveness probe plumbing. The prober sets probePending and waits
	// on probeEcho; this endpoint's own read loop routes the echoed
	// sentinel byte to the channel.
	probePending atomic.Bool
	probeEcho    chan struct{}

	closeOnce sync.Once
}

func newClientEndpoint(server *Server, conn net.Conn) *ClientEndpoint {
	return &ClientEndpoint{
		server:    server,
		conn:      conn,
		framer:    protocol.NewFramer(conn, server.config.MaxFrameSize),
		rooms:     make(map[string]bool),
		probeEcho: make(chan struct{}, 1),
	}
}

// Run drives the endpoint to completion: handshake, logon, then the
// command loop. It always frees the connection on return.
func (ep *ClientEndpoint) Run() {
	defer ep.Free()

	if err := ep.processPendingConnection(); err != nil {
		if !errors.Is(err, io.EOF) {
			debugLog.Printf("handshake with %s failed: %v", ep.conn.RemoteAddr(), err)
		}
		return
	}

	debugLog.Printf("session %q logged on from %s", ep.login, ep.conn.RemoteAddr())

	err := ep.commandLoop()
	switch {
	case errors.Is(err, errClientLogout):
		debugLog.Printf("session %q logged out", ep.login)
	case errors.Is(err, io.EOF):
		debugLog.Printf("session %q disconnected", ep.login)
	case err != nil:
		errorLog.Printf("session %q terminated: %v", ep.login, err)
	}
}

// processPendingConnection runs the fixed pre-traffic sequence: legitimacy
// challenge, server proof, key agreement, then the one-shot logon or
// registration envelope. The whole sequence shares one deadline.
func (ep *ClientEndpoint) processPendingConnection() error {
	if err := ep.conn.SetDeadline(time.Now().Add(ep.server.config.HandshakeTimeout)); err != nil {
		return err
	}

	if err := ep.validateClientApplication(); err != nil {
		ep.server.metrics.RecordHandshakeFailure()
		return err
	}
	ep.status.Store(StatusVerified)

	if err := ep.proveItself(); err != nil {
		ep.server.metrics.RecordHandshakeFailure()
		return err
	}

	if err := ep.setUpSecureChannel(); err != nil {
		ep.server.metrics.RecordHandshakeFailure()
		return fmt.Errorf("%w: %v", ErrSecureChannelInit, err)
	}
	ep.status.Store(StatusEncrypted)

	if err := ep.authenticate(); err != nil {
		return err
	}
	ep.status.Store(StatusLoggedOn)

	// The command loop manages its own per-read deadlines.
	return ep.conn.SetDeadline(time.Time{})
}

// validateClientApplication sends a random challenge and verifies the
// returned signature against the pre-shared client credential.
func (ep *ClientEndpoint) validateClientApplication() error {
	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		return err
	}
	if err := ep.framer.Send(challenge); err != nil {
		return err
	}
	signature, err := ep.framer.Receive()
	if err != nil {
		return err
	}
	if err := ep.server.clientVerifier.Verify(challenge, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrClientNotLegitimate, err)
	}
	return nil
}

// proveItself answers the client's challenge with the server's signature.
func (ep *ClientEndpoint) proveItself() error {
	challenge, err := ep.framer.Receive()
	if err != nil {
		return err
	}
	return ep.framer.Send(ep.server.signer.Sign(challenge))
}

// setUpSecureChannel receives the client's ephemeral public component,
// sends the server's, and derives the session cipher from the shared
// secret prefix.
func (ep *ClientEndpoint) setUpSecureChannel() error {
	peerPublic, err := ep.framer.Receive()
	if err != nil {
		return err
	}
	pair, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return err
	}
	if err := ep.framer.Send(pair.PublicKey[:]); err != nil {
		return err
	}
	secret, err := pair.SharedSecret(peerPublic)
	if err != nil {
		return err
	}
	key, err := crypto.SymmetricKey(secret, ep.server.config.KeyLength)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewChannelCipher(key, crypto.ChannelIV[:])
	if err != nil {
		return err
	}
	ep.channel = crypto.NewSecureChannel(ep.framer, cipher)
	return nil
}

// authenticate reads the one-shot service envelope and runs logon or
// registration.
func (ep *ClientEndpoint) authenticate() error {
	payload, err := ep.channel.Receive()
	if err != nil {
		return err
	}
	var envelope protocol.ServiceMessage
	if err := envelope.Decode(payload); err != nil {
		return err
	}

	var creds protocol.Credentials
	if err := creds.Decode(envelope.Data); err != nil {
		return err
	}

	switch envelope.Kind {
	case protocol.KindLogon:
		return ep.processLogon(&creds)
	case protocol.KindRegister:
		return ep.processRegistration(&creds)
	default:
		return fmt.Errorf("%w: unknown service kind %d", protocol.ErrMalformedMessage, envelope.Kind)
	}
}

func (ep *ClientEndpoint) processLogon(creds *protocol.Credentials) error {
	ok, err := ep.server.store.ValidateLoginPass(creds.Login, creds.Password)
	if err != nil {
		_ = ep.sendLogonReply(protocol.StatusFailure, "internal error")
		return fmt.Errorf("credential check for %q: %w", creds.Login, err)
	}
	if !ok {
		ep.server.metrics.RecordLogonRejected("bad_credentials")
		_ = ep.sendLogonReply(protocol.StatusFailure, "invalid login or password")
		return fmt.Errorf("%w: bad credentials for %q", ErrCredentialsRejected, creds.Login)
	}

	ep.login = creds.Login
	if ep.server.dir.Register(creds.Login, ep) {
		return ep.sendLogonReply(protocol.StatusSuccess, "logged on")
	}

	// Same login is already bound. Probe the holder; only an
	// unresponsive one may be superseded.
	old := ep.server.dir.Lookup(creds.Login)
	if old != nil && old.PokeForAlive(ep.server.config.ProbeTimeout) {
		ep.server.metrics.RecordLogonRejected("already_logged_on")
		_ = ep.sendLogonReply(protocol.StatusFailure, "already logged on")
		return fmt.Errorf("%w: %q already logged on", ErrCredentialsRejected, creds.Login)
	}
	if old != nil && ep.server.dir.ReplaceStale(creds.Login, old, ep) {
		debugLog.Printf("session %q superseded a dead connection", creds.Login)
		ep.server.dir.QueueForRemoval(old)
		return ep.sendLogonReply(protocol.StatusSuccess, "logged on")
	}

	// The binding changed while we probed: the holder logged out or was
	// swept. One fresh registration attempt settles it.
	if ep.server.dir.Register(creds.Login, ep) {
		return ep.sendLogonReply(protocol.StatusSuccess, "logged on")
	}
	ep.server.metrics.RecordLogonRejected("already_logged_on")
	_ = ep.sendLogonReply(protocol.StatusFailure, "already logged on")
	return fmt.Errorf("%w: %q already logged on", ErrCredentialsRejected, creds.Login)
}

// processRegistration creates the account and, on success, logs the new
// user straight on.
func (ep *ClientEndpoint) processRegistration(creds *protocol.Credentials) error {
	err := ep.server.store.AddUser(creds.Login, creds.Password)
	switch {
	case errors.Is(err, database.ErrUserExists):
		ep.server.metrics.RecordLogonRejected("login_taken")
		_ = ep.sendLogonReply(protocol.StatusFailure, "login already registered")
		return fmt.Errorf("%w: login %q taken", ErrCredentialsRejected, creds.Login)
	case err != nil:
		_ = ep.sendLogonReply(protocol.StatusFailure, "internal error")
		return fmt.Errorf("registering %q: %w", creds.Login, err)
	}

	ep.login = creds.Login
	if !ep.server.dir.Register(creds.Login, ep) {
		_ = ep.sendLogonReply(protocol.StatusFailure, "already logged on")
		return fmt.Errorf("%w: %q already logged on", ErrCredentialsRejected, creds.Login)
	}
	return ep.sendLogonReply(protocol.StatusSuccess, "registered")
}

func (ep *ClientEndpoint) sendLogonReply(status uint8, message string) error {
	resp := protocol.LogonResponse{Status: status, Message: message}
	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()
	return ep.channel.Send(payload)
}

// commandLoop reads one op-code byte at a time and dispatches it. A read
// timeout just means the session is idle; everything else ends it.
func (ep *ClientEndpoint) commandLoop() error {
	for {
		if err := ep.conn.SetReadDeadline(time.Now().Add(ep.server.config.ReadTimeout)); err != nil {
			return err
		}
		op, err := protocol.ReadUint8(ep.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}
		if err := ep.dispatch(op); err != nil {
			return err
		}
	}
}

func (ep *ClientEndpoint) dispatch(op uint8) error {
	switch op {
	case protocol.OpProbe:
		// The client echoing a liveness probe we wrote. Unsolicited
		// sentinels are a protocol violation.
		if ep.probePending.Load() {
			select {
			case ep.probeEcho <- struct{}{}:
			default:
			}
			return nil
		}
		return fmt.Errorf("%w: unsolicited probe byte", protocol.ErrMalformedMessage)

	case protocol.OpRoomMessage, protocol.OpDirectMessage, protocol.OpBroadcast:
		return ep.handleChat(op)

	case protocol.OpJoinRoom:
		return ep.handleJoinRoom()

	case protocol.OpLeaveRoom:
		return ep.handleLeaveRoom()

	case protocol.OpLogout:
		_ = ep.writeStatus(protocol.StatusSuccess)
		return errClientLogout

	case protocol.OpListRooms:
		return ep.sendNameList(protocol.OpListRooms, ep.server.dir.RoomNames())

	case protocol.OpRoomMembers:
		return ep.handleRoomMembers()

	default:
		return fmt.Errorf("%w: unknown op-code %d", protocol.ErrMalformedMessage, op)
	}
}

// handleChat routes one chat message. The payload is decrypted on this
// session's channel and re-encrypted per recipient; the source field is
// stamped with the authenticated login so it cannot be spoofed.
func (ep *ClientEndpoint) handleChat(op uint8) error {
	payload, err := ep.readBody()
	if err != nil {
		return err
	}
	var msg protocol.ChatMessage
	if err := msg.Decode(payload); err != nil {
		return err
	}
	if msg.Type != op {
		return fmt.Errorf("%w: envelope type %d under op-code %d", protocol.ErrMalformedMessage, msg.Type, op)
	}
	msg.Source = ep.login

	switch op {
	case protocol.OpRoomMessage:
		if !ep.server.dir.IsMember(msg.Dest, ep) {
			return ep.writeStatus(protocol.StatusFailure)
		}
		ep.fanOut(op, &msg, ep.server.dir.RoomMemberEndpoints(msg.Dest))
		ep.server.metrics.RecordMessageRouted("room")

	case protocol.OpDirectMessage:
		peer := ep.server.dir.Lookup(msg.Dest)
		if peer == nil {
			return ep.writeStatus(protocol.StatusFailure)
		}
		ep.fanOut(op, &msg, []*ClientEndpoint{peer})
		ep.server.metrics.RecordMessageRouted("direct")

	case protocol.OpBroadcast:
		ep.fanOut(op, &msg, ep.server.dir.AllEndpoints())
		ep.server.metrics.RecordMessageRouted("broadcast")
	}
	return nil
}

// fanOut delivers msg to each peer, the sender included when it is in the
// set. A peer whose connection fails is queued for the sweeper; the
// sender's command still completes.
func (ep *ClientEndpoint) fanOut(op uint8, msg *protocol.ChatMessage, peers []*ClientEndpoint) {
	for _, peer := range peers {
		if err := peer.forwardChat(op, msg); err != nil {
			ep.server.metrics.RecordForwardFailure()
			debugLog.Printf("forwarding to %q failed: %v", peer.login, err)
			ep.server.dir.QueueForRemoval(peer)
		}
	}
}

func (ep *ClientEndpoint) handleJoinRoom() error {
	payload, err := ep.readBody()
	if err != nil {
		return err
	}
	var join protocol.JoinRoomMessage
	if err := join.Decode(payload); err != nil {
		return err
	}
	if !ep.server.dir.JoinRoom(join.Room, join.Password, ep) {
		return ep.writeStatus(protocol.StatusFailure)
	}
	return ep.writeStatus(protocol.StatusSuccess)
}

func (ep *ClientEndpoint) handleLeaveRoom() error {
	payload, err := ep.readBody()
	if err != nil {
		return err
	}
	var leave protocol.RoomNameMessage
	if err := leave.Decode(payload); err != nil {
		return err
	}
	if !ep.server.dir.LeaveRoom(leave.Room, ep) {
		return ep.writeStatus(protocol.StatusFailure)
	}
	return ep.writeStatus(protocol.StatusSuccess)
}

func (ep *ClientEndpoint) handleRoomMembers() error {
	payload, err := ep.readBody()
	if err != nil {
		return err
	}
	var query protocol.RoomNameMessage
	if err := query.Decode(payload); err != nil {
		return err
	}
	members, ok := ep.server.dir.RoomMembers(query.Room)
	if !ok {
		return ep.writeStatus(protocol.StatusFailure)
	}
	return ep.sendNameList(protocol.OpRoomMembers, members)
}

// readBody reads this command's encrypted body frame. The op byte was
// read under an idle deadline; the body gets a fresh one so a frame split
// across the boundary is not misread as idleness.
func (ep *ClientEndpoint) readBody() ([]byte, error) {
	if err := ep.conn.SetReadDeadline(time.Now().Add(ep.server.config.ReadTimeout)); err != nil {
		return nil, err
	}
	return ep.channel.Receive()
}

// sendNameList writes a list reply: the request's op-code byte, then the
// encrypted NameList frame.
func (ep *ClientEndpoint) sendNameList(op uint8, names []string) error {
	list := protocol.NameList{Names: names}
	payload, err := list.Encode()
	if err != nil {
		return err
	}
	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()
	if err := ep.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	defer ep.conn.SetWriteDeadline(time.Time{})
	if err := protocol.WriteUint8(ep.conn, op); err != nil {
		return err
	}
	return ep.channel.Send(payload)
}

// writeStatus writes a bare success/failure reply byte.
func (ep *ClientEndpoint) writeStatus(status uint8) error {
	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()
	if err := ep.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	defer ep.conn.SetWriteDeadline(time.Time{})
	return protocol.WriteUint8(ep.conn, status)
}

// forwardChat writes op plus the message, encrypted for this endpoint.
// Called from other sessions' dispatch goroutines.
func (ep *ClientEndpoint) forwardChat(op uint8, msg *protocol.ChatMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()

	if ep.status.Load() != StatusLoggedOn {
		return ErrPeerUnreachable
	}
	if err := ep.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer ep.conn.SetWriteDeadline(time.Time{})
	if err := protocol.WriteUint8(ep.conn, op); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	if err := ep.channel.Send(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// PokeForAlive writes the liveness sentinel on this connection and waits
// for the client to echo it. A dead or wedged peer fails the probe and
// becomes eligible for replacement.
func (ep *ClientEndpoint) PokeForAlive(timeout time.Duration) bool {
	if ep.status.Load() != StatusLoggedOn {
		return false
	}

	// Drop any stale echo from an earlier probe.
	select {
	case <-ep.probeEcho:
	default:
	}
	ep.probePending.Store(true)
	defer ep.probePending.Store(false)

	ep.sendMu.Lock()
	err := ep.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err == nil {
		err = protocol.WriteUint8(ep.conn, protocol.OpProbe)
		_ = ep.conn.SetWriteDeadline(time.Time{})
	}
	ep.sendMu.Unlock()
	if err != nil {
		return false
	}

	select {
	case <-ep.probeEcho:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Login returns the authenticated login, or "" before logon.
func (ep *ClientEndpoint) Login() string {
	return ep.login
}

// Status returns the current lifecycle status.
func (ep *ClientEndpoint) Status() int32 {
	return ep.status.Load()
}

// Free closes the connection and removes the session from the directory.
// Idempotent; safe from any goroutine.
func (ep *ClientEndpoint) Free() {
	ep.closeOnce.Do(func() {
		ep.status.Store(StatusFreed)
		_ = ep.conn.Close()
		ep.server.dir.Unregister(ep)
	})
}
