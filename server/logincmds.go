package server

import (
	"errors"

	"github.com/google/uuid"

	"github.com/mensago/mensagod/auth"
	"github.com/mensago/mensagod/crypto"
	cs "github.com/mensago/mensagod/cryptostring"
	"github.com/mensago/mensagod/protocol"
	"github.com/mensago/mensagod/store"
)

// adminUserID marks the administrator workspace.
const adminUserID = "admin"

// handleLogin starts the handshake. The client proves nothing here; the
// server proves possession of the org encryption key by returning the
// decrypted client challenge.
func handleLogin(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateNoSession {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if req.Validate([]string{"Login-Type", "Workspace-ID", "Challenge"}) != nil ||
		req.Data["Login-Type"] != "PLAIN" {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	wid := req.Data["Workspace-ID"]
	if _, err := uuid.Parse(wid); err != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	var challenge cs.CryptoString
	if challenge.Set(req.Data["Challenge"]) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	for _, kind := range []auth.FailureKind{auth.FailureWorkspace, auth.FailurePassword} {
		if remaining := session.server.tracker.CheckLockout(kind,
			session.source()); remaining > 0 {
			return session.sendLockoutResponse(remaining)
		}
	}

	// Decrypt before the workspace lookup, so unknown and known workspace
	// IDs cost the same crypto work and enumeration learns nothing from
	// timing.
	plaintext, decryptErr := session.server.keys.Encryption.Decrypt(challenge)

	workspace, err := session.server.store.GetWorkspace(wid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return session.sendQuickResponse(protocol.InternalError)
		}
		session.server.tracker.LogFailure(auth.FailureWorkspace, session.source())
		session.server.failureDelay()
		return session.sendQuickResponse(protocol.NotFound)
	}

	switch workspace.Status {
	case store.StatusDeleted:
		return session.sendQuickResponse(protocol.NotFound)
	case store.StatusDisabled, store.StatusSuspended, store.StatusPreregistered:
		return session.sendQuickResponse(protocol.Unavailable)
	case store.StatusAwaiting:
		return session.sendQuickResponse(protocol.Pending)
	}

	if decryptErr != nil {
		if errors.Is(decryptErr, cs.ErrUnsupportedAlgorithm) {
			return session.sendQuickResponse(protocol.UnsupportedEncType)
		}
		return session.sendQuickResponse(protocol.BadRequest)
	}

	session.state = stateAwaitingPassword
	session.wid = wid
	session.role = auth.RoleUser
	if workspace.UserID == adminUserID {
		session.role = auth.RoleAdmin
	}
	session.log.Info().Str("wid", wid).Msg("login started")

	return session.sendResponse(protocol.NewServerResponse(protocol.Continue).
		Attach("Response", string(plaintext)))
}

// handlePassword checks the client-derived password hash. The client did
// the slow key derivation; the comparison here is a constant-time string
// match.
func handlePassword(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateAwaitingPassword {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if req.Validate([]string{"Password-Hash"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	// A source locked out mid-session is refused before any comparison.
	if remaining := session.server.tracker.CheckLockout(auth.FailurePassword,
		session.source()); remaining > 0 {
		session.terminating = true
		return session.sendLockoutResponse(remaining)
	}

	match, err := session.server.store.CheckPassword(session.wid,
		req.Data["Password-Hash"])
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	if !match {
		remaining := session.server.tracker.LogFailure(auth.FailurePassword,
			session.source())
		session.server.failureDelay()
		if remaining > 0 {
			session.terminating = true
			return session.sendLockoutResponse(remaining)
		}
		return session.sendQuickResponse(protocol.AuthFailure)
	}

	session.state = stateAwaitingDevice
	return session.sendQuickResponse(protocol.Continue)
}

// handleDevice proves device key possession: the server seals a fresh
// challenge to the claimed device key and the client must return the
// plaintext in the same exchange. An unknown device that answers correctly
// is registered.
func handleDevice(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateAwaitingDevice {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if req.Validate([]string{"Device-ID", "Device-Key"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	devid := req.Data["Device-ID"]
	if _, err := uuid.Parse(devid); err != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	var devkey cs.CryptoString
	if devkey.Set(req.Data["Device-Key"]) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	if remaining := session.server.tracker.CheckLockout(auth.FailureDevice,
		session.source()); remaining > 0 {
		return session.sendLockoutResponse(remaining)
	}

	newDevice := false
	keyMismatch := false
	registered, err := session.server.store.GetDevice(session.wid, devid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		newDevice = true
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	case registered.AsString() != devkey.AsString():
		// Run the exchange anyway so the response shape never reveals
		// whether the device ID is on file. The claim fails below no
		// matter what the client answers.
		keyMismatch = true
	}

	response, err := session.runChallenge(devkey, "DEVICE", devid, "Response")
	if err != nil {
		return err
	}
	if response == "" {
		// exchange already answered with 400 or 402; still awaiting a device
		return nil
	}
	if keyMismatch {
		return session.authFailure(auth.FailureDevice)
	}

	if newDevice {
		if err = session.server.store.AddDevice(session.wid, devid, devkey); err != nil {
			return session.sendQuickResponse(protocol.InternalError)
		}
	}

	session.state = stateAuthenticated
	session.devid = devid
	session.server.tracker.Reset(session.source())
	session.log.Info().Str("wid", session.wid).Str("devid", devid).
		Msg("login complete")
	return session.sendQuickResponse(protocol.OK)
}

// handleDevKey rotates a device key. Both the old and new key must answer
// their challenges in one exchange; a partial answer fails the whole
// rotation and the old key stays authoritative.
func handleDevKey(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateAuthenticated {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if req.Validate([]string{"Device-ID", "Old-Key", "New-Key"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if req.Data["Device-ID"] != session.devid {
		return session.sendQuickResponse(protocol.Forbidden)
	}

	var oldKey, newKey cs.CryptoString
	if oldKey.Set(req.Data["Old-Key"]) != nil || newKey.Set(req.Data["New-Key"]) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	registered, err := session.server.store.GetDevice(session.wid, session.devid)
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	if registered.AsString() != oldKey.AsString() {
		return session.authFailure(auth.FailureDevice)
	}

	oldChallenge, err := crypto.NewChallenge(session.server.cfg.Security.ChallengeSize)
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	newChallenge, err := crypto.NewChallenge(session.server.cfg.Security.ChallengeSize)
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}

	sealedOld, err := oldChallenge.Seal(oldKey)
	if err != nil {
		return session.sealFailure(err)
	}
	sealedNew, err := newChallenge.Seal(newKey)
	if err != nil {
		return session.sealFailure(err)
	}

	if err = session.sendResponse(protocol.NewServerResponse(protocol.Continue).
		Attach("Challenge", sealedOld.AsString()).
		Attach("New-Challenge", sealedNew.AsString())); err != nil {
		return err
	}

	answer, err := session.readRequest()
	if err != nil {
		// a pending challenge makes an abandoned read a credential failure
		session.server.tracker.LogFailure(auth.FailureDevice, session.source())
		return errConnClosed
	}
	if answer.Action != "DEVKEY" ||
		answer.Validate([]string{"Response", "New-Response"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	oldOK := oldChallenge.Verify(answer.Data["Response"])
	newOK := newChallenge.Verify(answer.Data["New-Response"])
	if !oldOK || !newOK {
		return session.authFailure(auth.FailureDevice)
	}

	if err = session.server.store.UpdateDevice(session.wid, session.devid,
		newKey); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	session.log.Info().Str("wid", session.wid).Str("devid", session.devid).
		Msg("device key rotated")
	return session.sendQuickResponse(protocol.OK)
}

func handleLogout(session *Session, req *protocol.ClientRequest) error {
	session.reset()
	return session.sendQuickResponse(protocol.OK)
}

// runChallenge seals a fresh challenge to key, sends it, and reads the
// client's answer. It returns the verified response, or "" when the
// exchange already ended with a 400 or an authentication failure; in those
// cases the response has been sent and no state should advance.
func (session *Session) runChallenge(key cs.CryptoString, action, devid,
	responseField string) (string, error) {

	challenge, err := crypto.NewChallenge(session.server.cfg.Security.ChallengeSize)
	if err != nil {
		return "", session.sendQuickResponse(protocol.InternalError)
	}
	sealed, err := challenge.Seal(key)
	if err != nil {
		return "", session.sealFailure(err)
	}

	if err = session.sendResponse(protocol.NewServerResponse(protocol.Continue).
		Attach("Challenge", sealed.AsString())); err != nil {
		return "", err
	}

	answer, err := session.readRequest()
	if err != nil {
		// a pending challenge makes an abandoned read a credential failure
		session.server.tracker.LogFailure(auth.FailureDevice, session.source())
		return "", errConnClosed
	}
	if answer.Action != action || answer.Data["Device-ID"] != devid ||
		answer.Validate([]string{responseField}) != nil {
		return "", session.sendQuickResponse(protocol.BadRequest)
	}

	response := answer.Data[responseField]
	if !challenge.Verify(response) {
		return "", session.authFailure(auth.FailureDevice)
	}
	return response, nil
}

// authFailure applies failure accounting and answers 402, or 407 with
// termination once the source crosses the lockout threshold.
func (session *Session) authFailure(kind auth.FailureKind) error {
	remaining := session.server.tracker.LogFailure(kind, session.source())
	session.server.failureDelay()
	if remaining > 0 {
		session.terminating = true
		return session.sendLockoutResponse(remaining)
	}
	return session.sendQuickResponse(protocol.AuthFailure)
}

// sealFailure maps challenge sealing errors to status codes.
func (session *Session) sealFailure(err error) error {
	if errors.Is(err, cs.ErrUnsupportedAlgorithm) {
		return session.sendQuickResponse(protocol.UnsupportedEncType)
	}
	return session.sendQuickResponse(protocol.BadRequest)
}
