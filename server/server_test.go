package server

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensago/mensagod/crypto"
	cs "github.com/mensago/mensagod/cryptostring"
	"github.com/mensago/mensagod/keycard"
	"github.com/mensago/mensagod/protocol"
	"github.com/mensago/mensagod/storage/kv/leveldbkv"
	"github.com/mensago/mensagod/store"
)

const testDomain = "example.com"

// newTestServer builds a server over an in-memory database with a seeded
// org keycard. mutate, when non-nil, adjusts the config before assembly.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *store.Store) {
	t.Helper()

	cfg := DefaultConfig(t.TempDir())
	cfg.Server.Domain = testDomain
	cfg.Security.FailureDelayMS = 0
	if mutate != nil {
		mutate(cfg)
	}

	db, err := leveldbkv.OpenMemDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	keys, err := GenerateOrgKeys()
	require.NoError(t, err)

	entry := keycard.NewOrgEntry()
	entry.SetFields(map[string]string{
		"Name":                     "Example, Inc.",
		"Domain":                   testDomain,
		"Contact-Admin":            "admin/" + testDomain,
		"Primary-Verification-Key": keys.Signing.PublicKey.AsString(),
		"Encryption-Key":           keys.Encryption.PublicKey.AsString(),
	})
	require.NoError(t, entry.GenerateHash(crypto.DefaultHashAlgorithm))
	require.NoError(t, entry.Sign(keys.Signing.PrivateKey, "Organization"))
	require.NoError(t, st.AppendEntry(entry))

	return New(cfg, zerolog.Nop(), st, keys), st
}

// testClient drives one in-memory connection against the server loop.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialTestServer(t *testing.T, s *Server) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go s.handleConnection(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	return &testClient{t: t, conn: clientSide}
}

func (c *testClient) request(action string, data map[string]string) *protocol.ServerResponse {
	c.t.Helper()
	req := protocol.NewClientRequest(action)
	for k, v := range data {
		req.Data[k] = v
	}
	require.NoError(c.t, protocol.WriteRequest(c.conn, req))
	resp, err := protocol.ReadResponse(c.conn, protocol.DefaultMaxMessageSize)
	require.NoError(c.t, err)
	return resp
}

// seedWorkspace registers an active workspace and returns its IDs.
func seedWorkspace(t *testing.T, st *store.Store, userID string) (string, string) {
	t.Helper()
	wid := uuid.NewString()
	require.NoError(t, st.AddWorkspace(&store.Workspace{
		WID:          wid,
		UserID:       userID,
		Domain:       testDomain,
		Status:       store.StatusActive,
		PasswordHash: "$argon2id$client-derived-hash",
	}))
	return wid, "$argon2id$client-derived-hash"
}

// login drives the whole handshake and returns the registered device state.
func (c *testClient) login(s *Server, wid, passHash string,
	devPair *crypto.EncryptionPair) string {

	c.t.Helper()

	plaintext := "client-challenge-0123456789abcdef"
	sealed, err := crypto.NewEncryptionKey(s.keys.Encryption.PublicKey).
		Encrypt([]byte(plaintext))
	require.NoError(c.t, err)

	resp := c.request("LOGIN", map[string]string{
		"Login-Type":   "PLAIN",
		"Workspace-ID": wid,
		"Challenge":    sealed.AsString(),
	})
	require.Equal(c.t, protocol.Continue, resp.Code)
	require.Equal(c.t, plaintext, resp.Data["Response"])

	resp = c.request("PASSWORD", map[string]string{"Password-Hash": passHash})
	require.Equal(c.t, protocol.Continue, resp.Code)

	devid := uuid.NewString()
	resp = c.request("DEVICE", map[string]string{
		"Device-ID":  devid,
		"Device-Key": devPair.PublicKey.AsString(),
	})
	require.Equal(c.t, protocol.Continue, resp.Code)

	answer := c.answerChallenge(devPair, resp.Data["Challenge"])
	resp = c.request("DEVICE", map[string]string{
		"Device-ID":  devid,
		"Device-Key": devPair.PublicKey.AsString(),
		"Response":   answer,
	})
	require.Equal(c.t, protocol.OK, resp.Code)
	return devid
}

func (c *testClient) answerChallenge(pair *crypto.EncryptionPair, sealed string) string {
	c.t.Helper()
	var payload cs.CryptoString
	require.NoError(c.t, payload.Set(sealed))
	plaintext, err := pair.Decrypt(payload)
	require.NoError(c.t, err)
	return string(plaintext)
}

func TestFullLoginScenario(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, passHash := seedWorkspace(t, st, "csimons")

	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)

	c := dialTestServer(t, s)
	devid := c.login(s, wid, passHash, devPair)

	// the answering device is now registered
	key, err := st.GetDevice(wid, devid)
	require.NoError(t, err)
	assert.Equal(t, devPair.PublicKey.AsString(), key.AsString())

	assert.Equal(t, protocol.OK, c.request("NOOP", nil).Code)

	// out-of-phase commands are protocol errors after authentication too
	assert.Equal(t, protocol.BadRequest,
		c.request("PASSWORD", map[string]string{"Password-Hash": passHash}).Code)

	assert.Equal(t, protocol.OK, c.request("LOGOUT", nil).Code)
	assert.Equal(t, protocol.BadRequest,
		c.request("PASSWORD", map[string]string{"Password-Hash": passHash}).Code)
}

func TestLoginUnknownWorkspace(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.Security.MaxFailures = 2
	})

	sealed, err := crypto.NewEncryptionKey(s.keys.Encryption.PublicKey).
		Encrypt([]byte("client-challenge-0123456789abcdef"))
	require.NoError(t, err)

	request := map[string]string{
		"Login-Type":   "PLAIN",
		"Workspace-ID": uuid.NewString(),
		"Challenge":    sealed.AsString(),
	}

	c := dialTestServer(t, s)
	assert.Equal(t, protocol.NotFound, c.request("LOGIN", request).Code)
	assert.Equal(t, protocol.NotFound, c.request("LOGIN", request).Code)

	// threshold crossed, further attempts are refused before any lookup
	resp := c.request("LOGIN", request)
	assert.Equal(t, protocol.Unavailable, resp.Code)
	assert.NotEmpty(t, resp.Data["Lockout-Time"])
}

func TestPasswordFailureLockout(t *testing.T) {
	s, st := newTestServer(t, func(cfg *Config) {
		cfg.Security.MaxFailures = 2
	})
	wid, _ := seedWorkspace(t, st, "csimons")

	sealed, err := crypto.NewEncryptionKey(s.keys.Encryption.PublicKey).
		Encrypt([]byte("client-challenge-0123456789abcdef"))
	require.NoError(t, err)

	c := dialTestServer(t, s)
	resp := c.request("LOGIN", map[string]string{
		"Login-Type":   "PLAIN",
		"Workspace-ID": wid,
		"Challenge":    sealed.AsString(),
	})
	require.Equal(t, protocol.Continue, resp.Code)

	resp = c.request("PASSWORD", map[string]string{"Password-Hash": "wrong"})
	assert.Equal(t, protocol.AuthFailure, resp.Code)

	resp = c.request("PASSWORD", map[string]string{"Password-Hash": "wrong"})
	assert.Equal(t, protocol.Unavailable, resp.Code)
	assert.NotEmpty(t, resp.Data["Lockout-Time"])
}

func TestPasswordLockoutAcrossConnections(t *testing.T) {
	s, st := newTestServer(t, func(cfg *Config) {
		cfg.Security.MaxFailures = 1
	})
	wid, passHash := seedWorkspace(t, st, "csimons")

	sealed, err := crypto.NewEncryptionKey(s.keys.Encryption.PublicKey).
		Encrypt([]byte("client-challenge-0123456789abcdef"))
	require.NoError(t, err)
	loginReq := map[string]string{
		"Login-Type":   "PLAIN",
		"Workspace-ID": wid,
		"Challenge":    sealed.AsString(),
	}

	// one session reaches the password phase before the source is locked
	c1 := dialTestServer(t, s)
	require.Equal(t, protocol.Continue, c1.request("LOGIN", loginReq).Code)

	c2 := dialTestServer(t, s)
	require.Equal(t, protocol.Continue, c2.request("LOGIN", loginReq).Code)
	resp := c2.request("PASSWORD", map[string]string{"Password-Hash": "wrong"})
	require.Equal(t, protocol.Unavailable, resp.Code)
	require.NotEmpty(t, resp.Data["Lockout-Time"])

	// the open session is refused before any comparison, even with the
	// right hash in hand
	resp = c1.request("PASSWORD", map[string]string{"Password-Hash": passHash})
	assert.Equal(t, protocol.Unavailable, resp.Code)
	assert.NotEmpty(t, resp.Data["Lockout-Time"])

	// and a fresh connection from the same source is refused at LOGIN
	c3 := dialTestServer(t, s)
	resp = c3.request("LOGIN", loginReq)
	assert.Equal(t, protocol.Unavailable, resp.Code)
	assert.NotEmpty(t, resp.Data["Lockout-Time"])
}

func TestMalformedCommandsNeverLockOut(t *testing.T) {
	s, st := newTestServer(t, func(cfg *Config) {
		cfg.Security.MaxFailures = 1
	})
	wid, passHash := seedWorkspace(t, st, "csimons")

	c := dialTestServer(t, s)
	for i := 0; i < 10; i++ {
		assert.Equal(t, protocol.BadRequest, c.request("PASSWORD", nil).Code)
		assert.Equal(t, protocol.BadRequest, c.request("BOGUS", nil).Code)
	}

	// a clean login still works from the same source
	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	c.login(s, wid, passHash, devPair)
}

func TestDeviceKeyMismatchShapedLikeUnknownDevice(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, passHash := seedWorkspace(t, st, "csimons")

	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	c := dialTestServer(t, s)
	devid := c.login(s, wid, passHash, devPair)
	require.Equal(t, protocol.OK, c.request("LOGOUT", nil).Code)

	// claim the registered device ID with a different key
	imposter, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)

	sealed, err := crypto.NewEncryptionKey(s.keys.Encryption.PublicKey).
		Encrypt([]byte("client-challenge-0123456789abcdef"))
	require.NoError(t, err)
	resp := c.request("LOGIN", map[string]string{
		"Login-Type":   "PLAIN",
		"Workspace-ID": wid,
		"Challenge":    sealed.AsString(),
	})
	require.Equal(t, protocol.Continue, resp.Code)
	resp = c.request("PASSWORD", map[string]string{"Password-Hash": passHash})
	require.Equal(t, protocol.Continue, resp.Code)

	// same shape as an unknown device ID: a sealed challenge, not an
	// early refusal that would confirm the ID is on file
	resp = c.request("DEVICE", map[string]string{
		"Device-ID":  devid,
		"Device-Key": imposter.PublicKey.AsString(),
	})
	require.Equal(t, protocol.Continue, resp.Code)
	require.NotEmpty(t, resp.Data["Challenge"])

	// even the correct answer fails the claim
	resp = c.request("DEVICE", map[string]string{
		"Device-ID":  devid,
		"Device-Key": imposter.PublicKey.AsString(),
		"Response":   c.answerChallenge(imposter, resp.Data["Challenge"]),
	})
	assert.Equal(t, protocol.AuthFailure, resp.Code)

	// the registered key is untouched
	key, err := st.GetDevice(wid, devid)
	require.NoError(t, err)
	assert.Equal(t, devPair.PublicKey.AsString(), key.AsString())
}

func TestDeviceKeyRotation(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, passHash := seedWorkspace(t, st, "csimons")

	oldPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	newPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)

	c := dialTestServer(t, s)
	devid := c.login(s, wid, passHash, oldPair)

	rotation := map[string]string{
		"Device-ID": devid,
		"Old-Key":   oldPair.PublicKey.AsString(),
		"New-Key":   newPair.PublicKey.AsString(),
	}

	// a partial answer fails the whole rotation
	resp := c.request("DEVKEY", rotation)
	require.Equal(t, protocol.Continue, resp.Code)
	resp = c.request("DEVKEY", map[string]string{
		"Response":     c.answerChallenge(oldPair, resp.Data["Challenge"]),
		"New-Response": "not the answer",
	})
	assert.Equal(t, protocol.AuthFailure, resp.Code)

	key, err := st.GetDevice(wid, devid)
	require.NoError(t, err)
	assert.Equal(t, oldPair.PublicKey.AsString(), key.AsString())

	// both challenges answered, the new key takes over
	resp = c.request("DEVKEY", rotation)
	require.Equal(t, protocol.Continue, resp.Code)
	resp = c.request("DEVKEY", map[string]string{
		"Response":     c.answerChallenge(oldPair, resp.Data["Challenge"]),
		"New-Response": c.answerChallenge(newPair, resp.Data["New-Challenge"]),
	})
	assert.Equal(t, protocol.OK, resp.Code)

	key, err = st.GetDevice(wid, devid)
	require.NoError(t, err)
	assert.Equal(t, newPair.PublicKey.AsString(), key.AsString())
}

func TestDevKeyForeignDeviceRefused(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, passHash := seedWorkspace(t, st, "csimons")

	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	c := dialTestServer(t, s)
	c.login(s, wid, passHash, devPair)

	resp := c.request("DEVKEY", map[string]string{
		"Device-ID": uuid.NewString(),
		"Old-Key":   devPair.PublicKey.AsString(),
		"New-Key":   devPair.PublicKey.AsString(),
	})
	assert.Equal(t, protocol.Forbidden, resp.Code)
}

func TestOversizedFrame(t *testing.T) {
	s, _ := newTestServer(t, nil)
	c := dialTestServer(t, s)

	big := make([]byte, s.cfg.Security.MaxMessageSize+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := c.conn.Write(big)
	require.NoError(t, err)

	resp, err := protocol.ReadResponse(c.conn, protocol.DefaultMaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, protocol.BadRequest, resp.Code)

	// the connection survives and the machine has not advanced
	assert.Equal(t, protocol.OK, c.request("NOOP", nil).Code)
}
