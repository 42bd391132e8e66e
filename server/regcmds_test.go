package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensago/mensagod/crypto"
	"github.com/mensago/mensagod/protocol"
	"github.com/mensago/mensagod/store"
)

func registrationFields(t *testing.T) map[string]string {
	t.Helper()
	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	return map[string]string{
		"Workspace-ID":  uuid.NewString(),
		"Password-Hash": "$argon2id$client-derived-hash",
		"Device-ID":     uuid.NewString(),
		"Device-Key":    devPair.PublicKey.AsString(),
	}
}

func TestRegisterModes(t *testing.T) {
	// private mode refuses outright
	s, _ := newTestServer(t, nil)
	c := dialTestServer(t, s)
	assert.Equal(t, protocol.Forbidden,
		c.request("REGISTER", registrationFields(t)).Code)

	// public mode creates an active workspace
	s, st := newTestServer(t, func(cfg *Config) {
		cfg.Server.Registration = RegistrationPublic
	})
	c = dialTestServer(t, s)
	fields := registrationFields(t)

	resp := c.request("REGISTER", fields)
	require.Equal(t, protocol.Registered, resp.Code)
	assert.Equal(t, testDomain, resp.Data["Domain"])

	w, err := st.GetWorkspace(fields["Workspace-ID"])
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, w.Status)

	// duplicate workspace IDs are refused
	assert.Equal(t, protocol.ResourceExists, c.request("REGISTER", fields).Code)

	// moderated mode leaves the workspace awaiting approval
	s, st = newTestServer(t, func(cfg *Config) {
		cfg.Server.Registration = RegistrationModerated
	})
	c = dialTestServer(t, s)
	fields = registrationFields(t)
	assert.Equal(t, protocol.Pending, c.request("REGISTER", fields).Code)
	w, err = st.GetWorkspace(fields["Workspace-ID"])
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaiting, w.Status)
}

func TestRegisterThrottle(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) {
		cfg.Server.Registration = RegistrationPublic
		cfg.Security.MaxRegistrations = 2
	})
	c := dialTestServer(t, s)

	require.Equal(t, protocol.Registered, c.request("REGISTER", registrationFields(t)).Code)
	require.Equal(t, protocol.Registered, c.request("REGISTER", registrationFields(t)).Code)

	resp := c.request("REGISTER", registrationFields(t))
	assert.Equal(t, protocol.Unavailable, resp.Code)
	assert.NotEmpty(t, resp.Data["Lockout-Time"])
}

// loginAdmin seeds an admin workspace and authenticates a client as it.
func loginAdmin(t *testing.T, s *Server, st *store.Store) *testClient {
	t.Helper()
	wid, passHash := seedWorkspace(t, st, adminUserID)
	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	c := dialTestServer(t, s)
	c.login(s, wid, passHash, devPair)
	return c
}

func TestPreregAndRegCode(t *testing.T) {
	s, st := newTestServer(t, nil)
	admin := loginAdmin(t, s, st)

	resp := admin.request("PREREG", map[string]string{"User-ID": "newhire"})
	require.Equal(t, protocol.OK, resp.Code)
	code := resp.Data["Reg-Code"]
	wid := resp.Data["Workspace-ID"]
	require.NotEmpty(t, code)
	require.NotEmpty(t, wid)
	assert.Equal(t, testDomain, resp.Data["Domain"])

	// a second prereg for the same user ID is refused
	assert.Equal(t, protocol.ResourceExists,
		admin.request("PREREG", map[string]string{"User-ID": "newhire"}).Code)

	// a wrong code is an authentication failure, not a protocol error
	c := dialTestServer(t, s)
	fields := registrationFields(t)
	delete(fields, "Workspace-ID")
	fields["User-ID"] = "newhire"
	fields["Reg-Code"] = "wrong horse battery staple guess"
	assert.Equal(t, protocol.AuthFailure, c.request("REGCODE", fields).Code)

	// the real code activates the workspace and burns the prereg
	fields["Reg-Code"] = code
	resp = c.request("REGCODE", fields)
	require.Equal(t, protocol.Registered, resp.Code)
	assert.Equal(t, wid, resp.Data["Workspace-ID"])

	w, err := st.GetWorkspace(wid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, w.Status)
	assert.Equal(t, "newhire", w.UserID)

	fields["Reg-Code"] = code
	assert.Equal(t, protocol.NotFound, c.request("REGCODE", fields).Code)
}

func TestPreregRequiresAdmin(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, passHash := seedWorkspace(t, st, "csimons")

	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	c := dialTestServer(t, s)

	assert.Equal(t, protocol.Unauthorized, c.request("PREREG", nil).Code)

	c.login(s, wid, passHash, devPair)
	assert.Equal(t, protocol.Forbidden, c.request("PREREG", nil).Code)
}

func TestUnregister(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, passHash := seedWorkspace(t, st, "csimons")

	devPair, err := crypto.GenerateEncryptionPair()
	require.NoError(t, err)
	c := dialTestServer(t, s)
	c.login(s, wid, passHash, devPair)

	resp := c.request("UNREGISTER", map[string]string{"Password-Hash": passHash})
	require.Equal(t, protocol.Unregistered, resp.Code)

	// the ID is tombstoned, not erased, and can never come back
	w, err := st.GetWorkspace(wid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, w.Status)
	assert.ErrorIs(t, st.AddWorkspace(&store.Workspace{WID: wid}), store.ErrExists)
}

func TestUnregisterAdminRefused(t *testing.T) {
	s, st := newTestServer(t, nil)
	admin := loginAdmin(t, s, st)

	resp := admin.request("UNREGISTER", map[string]string{
		"Password-Hash": "$argon2id$client-derived-hash",
	})
	assert.Equal(t, protocol.Forbidden, resp.Code)
}

func TestGetWID(t *testing.T) {
	s, st := newTestServer(t, nil)
	wid, _ := seedWorkspace(t, st, "csimons")

	c := dialTestServer(t, s)
	resp := c.request("GETWID", map[string]string{"User-ID": "csimons"})
	require.Equal(t, protocol.OK, resp.Code)
	assert.Equal(t, wid, resp.Data["Workspace-ID"])

	resp = c.request("GETWID", map[string]string{
		"User-ID": "csimons",
		"Domain":  "elsewhere.test",
	})
	assert.Equal(t, protocol.NotFound, resp.Code)

	resp = c.request("GETWID", map[string]string{"User-ID": "ghost"})
	assert.Equal(t, protocol.NotFound, resp.Code)
}
