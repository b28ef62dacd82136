package server

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andriy/mychat/pkg/client"
	"github.com/andriy/mychat/pkg/crypto"
	"github.com/andriy/mychat/pkg/database"
	"github.com/andriy/mychat/pkg/protocol"
)

// testHarness boots a real server on loopback with ten seeded accounts
// (testUser1/testPass1 .. testUser10/testPass10).
type testHarness struct {
	srv       *Server
	addr      string
	clientKey ed25519.PrivateKey
	serverPub ed25519.PublicKey
}

func startTestServer(t *testing.T) *testHarness {
	t.Helper()

	clientPub, clientPriv, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	serverPub, serverPriv, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	seed := make(map[string]string)
	for i := 1; i <= 10; i++ {
		seed[fmt.Sprintf("testUser%d", i)] = fmt.Sprintf("testPass%d", i)
	}

	config := DefaultConfig()
	config.TCPPort = 0
	config.MetricsPort = 0
	config.ReadTimeout = 100 * time.Millisecond
	config.ProbeTimeout = 200 * time.Millisecond

	srv := NewServer(database.NewSeededMemStore(seed), serverPriv, clientPub, config)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	port := srv.Addr().(*net.TCPAddr).Port
	return &testHarness{
		srv:       srv,
		addr:      fmt.Sprintf("127.0.0.1:%d", port),
		clientKey: clientPriv,
		serverPub: serverPub,
	}
}

func (h *testHarness) clientConfig() client.Config {
	config := client.DefaultConfig(h.addr)
	config.SigningKey = h.clientKey
	config.ServerKey = h.serverPub
	config.ReplyTimeout = 2 * time.Second
	return config
}

// connect dials, logs on and starts a listener feeding the returned
// message channel.
func (h *testHarness) connect(t *testing.T, login, password string) (*client.ChatClient, chan *protocol.ChatMessage) {
	t.Helper()

	c, err := client.Dial(h.clientConfig())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.Logon(login, password))

	received := make(chan *protocol.ChatMessage, 32)
	c.StartListener(func(msg *protocol.ChatMessage) {
		received <- msg
	})
	return c, received
}

func awaitMessage(t *testing.T, ch chan *protocol.ChatMessage) *protocol.ChatMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a forwarded message")
		return nil
	}
}

func TestJourneyRoomMessageDelivery(t *testing.T) {
	h := startTestServer(t)

	c1, recv1 := h.connect(t, "testUser1", "testPass1")
	_, recv2 := h.connect(t, "testUser2", "testPass2")

	require.NoError(t, c1.JoinRoom("r1", "testRoomPass"))
	require.NoError(t, c1.SendRoomMessage("r1", "only member yet"))

	// The sender is part of the fan-out set, so it hears its own message.
	echo := awaitMessage(t, recv1)
	assert.Equal(t, "testUser1", echo.Source)
	assert.Equal(t, "r1", echo.Dest)
	assert.Equal(t, "only member yet", echo.Message)

	select {
	case msg := <-recv2:
		t.Fatalf("non-member received %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestJourneyTwoMembersExchangeMessages(t *testing.T) {
	h := startTestServer(t)

	c1, recv1 := h.connect(t, "testUser1", "testPass1")
	c2, recv2 := h.connect(t, "testUser2", "testPass2")

	require.NoError(t, c1.JoinRoom("r1", "testRoomPass"))
	require.NoError(t, c2.JoinRoom("r1", "testRoomPass"))

	require.NoError(t, c1.SendRoomMessage("r1", "testMsg"))

	got := awaitMessage(t, recv2)
	assert.Equal(t, "testUser1", got.Source)
	assert.Equal(t, "r1", got.Dest)
	assert.Equal(t, "testMsg", got.Message)

	// Sender echo.
	echo := awaitMessage(t, recv1)
	assert.Equal(t, "testMsg", echo.Message)
}

func TestJourneyRoomMessageRequiresMembership(t *testing.T) {
	h := startTestServer(t)

	c1, _ := h.connect(t, "testUser1", "testPass1")

	require.NoError(t, c1.SendRoomMessage("nosuchroom", "testMsg"))

	select {
	case status := <-c1.Status():
		assert.Equal(t, uint8(protocol.StatusFailure), status)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failure reply for a room the sender never joined")
	}
}

func TestJourneyTenClientFanOut(t *testing.T) {
	h := startTestServer(t)

	const n = 10
	clients := make([]*client.ChatClient, n)
	received := make([]chan *protocol.ChatMessage, n)

	for i := 0; i < n; i++ {
		login := fmt.Sprintf("testUser%d", i+1)
		pass := fmt.Sprintf("testPass%d", i+1)
		clients[i], received[i] = h.connect(t, login, pass)
		require.NoError(t, clients[i].JoinRoom("shared", "testRoomPass"))
	}

	for i := 0; i < n; i++ {
		require.NoError(t, clients[i].SendRoomMessage("shared", fmt.Sprintf("testMsg%d", i+1)))
	}

	// Every member (sender included) gets all n messages, each carrying
	// exactly its sender's tag.
	for i := 0; i < n; i++ {
		seen := make(map[string]string)
		for len(seen) < n {
			msg := awaitMessage(t, received[i])
			require.Equal(t, "shared", msg.Dest)
			seen[msg.Source] = msg.Message
		}
		for j := 1; j <= n; j++ {
			source := fmt.Sprintf("testUser%d", j)
			assert.Equal(t, fmt.Sprintf("testMsg%d", j), seen[source],
				"client %d saw a mismatched message for %s", i+1, source)
		}
	}
}

func TestJourneyDirectAndBroadcast(t *testing.T) {
	h := startTestServer(t)

	c1, recv1 := h.connect(t, "testUser1", "testPass1")
	_, recv2 := h.connect(t, "testUser2", "testPass2")

	require.NoError(t, c1.SendDirectMessage("testUser2", "psst"))
	direct := awaitMessage(t, recv2)
	assert.Equal(t, uint8(protocol.OpDirectMessage), direct.Type)
	assert.Equal(t, "testUser1", direct.Source)
	assert.Equal(t, "psst", direct.Message)

	// Unknown destination yields a failure reply.
	require.NoError(t, c1.SendDirectMessage("nobody", "psst"))
	select {
	case status := <-c1.Status():
		assert.Equal(t, uint8(protocol.StatusFailure), status)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failure reply for an unknown destination")
	}

	require.NoError(t, c1.SendBroadcast("everyone"))
	bcast := awaitMessage(t, recv2)
	assert.Equal(t, uint8(protocol.OpBroadcast), bcast.Type)
	assert.Equal(t, "everyone", bcast.Message)
	echo := awaitMessage(t, recv1)
	assert.Equal(t, "everyone", echo.Message)
}

func TestJourneyRoomAndMemberLists(t *testing.T) {
	h := startTestServer(t)

	c1, _ := h.connect(t, "testUser1", "testPass1")
	c2, _ := h.connect(t, "testUser2", "testPass2")

	require.NoError(t, c1.JoinRoom("alpha", "pw"))
	require.NoError(t, c2.JoinRoom("alpha", "pw"))
	require.NoError(t, c2.JoinRoom("beta", "pw"))

	rooms, err := c1.ListRooms()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, rooms)

	members, err := c1.RoomMembers("alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"testUser1", "testUser2"}, members)

	_, err = c1.RoomMembers("nosuch")
	assert.ErrorIs(t, err, client.ErrCommandFailed)

	// Leaving empties the membership but keeps the room listed.
	require.NoError(t, c2.LeaveRoom("beta"))
	rooms, err = c1.ListRooms()
	require.NoError(t, err)
	assert.Contains(t, rooms, "beta")
	members, err = c1.RoomMembers("beta")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestJourneyWrongRoomPassword(t *testing.T) {
	h := startTestServer(t)

	c1, _ := h.connect(t, "testUser1", "testPass1")
	c2, _ := h.connect(t, "testUser2", "testPass2")

	require.NoError(t, c1.JoinRoom("r1", "testRoomPass"))
	assert.ErrorIs(t, c2.JoinRoom("r1", "wrong"), client.ErrCommandFailed)
}

func TestJourneyBadCredentialsRejected(t *testing.T) {
	h := startTestServer(t)

	c, err := client.Dial(h.clientConfig())
	require.NoError(t, err)
	defer c.Close()

	err = c.Logon("testUser1", "wrongpass")
	require.ErrorIs(t, err, client.ErrCommandFailed)
	assert.Contains(t, err.Error(), "invalid login or password")
}

func TestJourneyRegistrationLogsOn(t *testing.T) {
	h := startTestServer(t)

	c, err := client.Dial(h.clientConfig())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Register("newUser", "newPass"))
	c.StartListener(nil)
	require.NoError(t, c.JoinRoom("r1", "pw"), "a registered user is logged on immediately")

	// The login is now taken.
	c2, err := client.Dial(h.clientConfig())
	require.NoError(t, err)
	defer c2.Close()
	err = c2.Register("newUser", "otherPass")
	require.ErrorIs(t, err, client.ErrCommandFailed)
	assert.Contains(t, err.Error(), "already registered")
}

func TestJourneyDuplicateLogonRejected(t *testing.T) {
	h := startTestServer(t)

	c1, _ := h.connect(t, "testUser1", "testPass1")

	// c1's listener echoes the liveness probe, so the holder is deemed
	// alive and the new logon is turned away.
	c2, err := client.Dial(h.clientConfig())
	require.NoError(t, err)
	defer c2.Close()

	err = c2.Logon("testUser1", "testPass1")
	require.ErrorIs(t, err, client.ErrCommandFailed)
	assert.Contains(t, err.Error(), "already logged on")

	// The established session is unaffected.
	require.NoError(t, c1.JoinRoom("r1", "pw"))
}

func TestJourneyStaleLogonReplaced(t *testing.T) {
	h := startTestServer(t)

	// c1 logs on but never starts a listener, so it cannot echo the
	// liveness probe: the server must treat it as dead.
	c1, err := client.Dial(h.clientConfig())
	require.NoError(t, err)
	defer c1.Close()
	require.NoError(t, c1.Logon("testUser1", "testPass1"))

	c2, recv2 := h.connect(t, "testUser1", "testPass1")
	require.NoError(t, c2.JoinRoom("r1", "testRoomPass"))
	require.NoError(t, c2.SendRoomMessage("r1", "testMsg"))
	got := awaitMessage(t, recv2)
	assert.Equal(t, "testUser1", got.Source)

	// The superseded session gets swept out of the directory.
	require.Eventually(t, func() bool {
		return h.srv.dir.SessionCount() == 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestJourneyLogoutFreesLogin(t *testing.T) {
	h := startTestServer(t)

	c1, _ := h.connect(t, "testUser1", "testPass1")
	require.NoError(t, c1.JoinRoom("r1", "pw"))
	require.NoError(t, c1.Logout())

	require.Eventually(t, func() bool {
		return h.srv.dir.SessionCount() == 0
	}, 2*time.Second, 50*time.Millisecond)

	// The login is immediately reusable without a liveness probe delay.
	c2, _ := h.connect(t, "testUser1", "testPass1")
	require.NoError(t, c2.JoinRoom("r1", "pw"))
}

func TestJourneyOversizedFrameRejected(t *testing.T) {
	h := startTestServer(t)

	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// Read the server's challenge, then reply with a frame declaring a
	// payload over the configured maximum. The server must drop the
	// connection without reading further.
	framer := protocol.NewFramer(conn, 0)
	_, err = framer.Receive()
	require.NoError(t, err)

	header := []byte{0, 0, 32, 0} // 2 MB, little-endian
	_, err = conn.Write(header)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = io.ReadFull(conn, buf)
	assert.Error(t, err, "connection should be closed after an oversized frame")
}

func TestJourneyFailedChallengeNeverProceeds(t *testing.T) {
	h := startTestServer(t)

	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	framer := protocol.NewFramer(conn, 0)
	_, err = framer.Receive()
	require.NoError(t, err)

	// Garbage signature: the proof fails and no later handshake step
	// runs, so our own challenge never gets answered.
	require.NoError(t, framer.Send(make([]byte, ed25519.SignatureSize)))
	challenge, err := crypto.GenerateChallenge()
	require.NoError(t, err)
	_ = framer.Send(challenge)

	_, err = framer.Receive()
	assert.Error(t, err, "server must drop the connection instead of signing")
}

// rawLogon drives the handshake and logon by hand, returning the bare
// connection for tests that need to step outside the protocol.
func rawLogon(t *testing.T, h *testHarness, login, password string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	framer := protocol.NewFramer(conn, 0)

	challenge, err := framer.Receive()
	require.NoError(t, err)
	require.NoError(t, framer.Send(crypto.NewSigner(h.clientKey).Sign(challenge)))

	ownChallenge, err := crypto.GenerateChallenge()
	require.NoError(t, err)
	require.NoError(t, framer.Send(ownChallenge))
	serverSig, err := framer.Receive()
	require.NoError(t, err)
	require.NoError(t, crypto.NewVerifier(h.serverPub).Verify(ownChallenge, serverSig))

	pair, err := crypto.GenerateAgreementKeyPair()
	require.NoError(t, err)
	require.NoError(t, framer.Send(pair.PublicKey[:]))
	serverPublic, err := framer.Receive()
	require.NoError(t, err)
	secret, err := pair.SharedSecret(serverPublic)
	require.NoError(t, err)
	key, err := crypto.SymmetricKey(secret, crypto.DefaultKeyLength)
	require.NoError(t, err)
	cipher, err := crypto.NewChannelCipher(key, crypto.ChannelIV[:])
	require.NoError(t, err)
	channel := crypto.NewSecureChannel(framer, cipher)

	creds := protocol.Credentials{Login: login, Password: password}
	data, err := creds.Encode()
	require.NoError(t, err)
	envelope := protocol.ServiceMessage{Kind: protocol.KindLogon, Data: data}
	payload, err := envelope.Encode()
	require.NoError(t, err)
	require.NoError(t, channel.Send(payload))

	reply, err := channel.Receive()
	require.NoError(t, err)
	var resp protocol.LogonResponse
	require.NoError(t, resp.Decode(reply))
	require.Equal(t, uint8(protocol.StatusSuccess), resp.Status, resp.Message)

	require.NoError(t, conn.SetDeadline(time.Time{}))
	return conn
}

func TestJourneyUnknownOpCodeKillsOnlyThatConnection(t *testing.T) {
	h := startTestServer(t)

	rogue := rawLogon(t, h, "testUser3", "testPass3")

	c2, recv2 := h.connect(t, "testUser2", "testPass2")
	require.NoError(t, c2.JoinRoom("r1", "testRoomPass"))

	// An op-code outside the dispatch table is a protocol violation
	// that frees the offending session.
	_, err := rogue.Write([]byte{0xFF})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.srv.dir.Lookup("testUser3") == nil
	}, 2*time.Second, 50*time.Millisecond)

	// The other session and its memberships are untouched.
	require.NoError(t, c2.SendRoomMessage("r1", "still here"))
	got := awaitMessage(t, recv2)
	assert.Equal(t, "still here", got.Message)

	members, err := c2.RoomMembers("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"testUser2"}, members)
}

func TestHealthHandler(t *testing.T) {
	h := startTestServer(t)

	rec := httptest.NewRecorder()
	h.srv.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"ok"`))
}
