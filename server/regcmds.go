package server

import (
	"errors"
	"net"

	"github.com/everlastingbeta/diceware"
	"github.com/everlastingbeta/diceware/wordlist"
	"github.com/google/uuid"

	"github.com/mensago/mensagod/auth"
	cs "github.com/mensago/mensagod/cryptostring"
	"github.com/mensago/mensagod/protocol"
	"github.com/mensago/mensagod/store"
)

// regcodeWordCount sizes preregistration phrases. Five EFF short-list words
// carry enough entropy that the argon2id hash, throttling, and lockout
// together make online guessing impractical.
const regcodeWordCount = 5

// handleRegister creates a workspace directly, subject to the server's
// registration mode. Every attempt, successful or not, counts toward the
// per-source registration throttle.
func handleRegister(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateNoSession {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	switch session.server.cfg.Server.Registration {
	case RegistrationPrivate:
		return session.sendQuickResponse(protocol.Forbidden)
	case RegistrationNetwork:
		if !session.isLocalSource() {
			return session.sendQuickResponse(protocol.Forbidden)
		}
	}

	if remaining := session.server.tracker.CheckLockout(auth.FailureRegistration,
		session.source()); remaining > 0 {
		return session.sendLockoutResponse(remaining)
	}
	session.server.tracker.LogFailure(auth.FailureRegistration, session.source())

	if req.Validate([]string{"Workspace-ID", "Password-Hash", "Device-ID",
		"Device-Key"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	wid := req.Data["Workspace-ID"]
	devid := req.Data["Device-ID"]
	if _, err := uuid.Parse(wid); err != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if _, err := uuid.Parse(devid); err != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	var devkey cs.CryptoString
	if devkey.Set(req.Data["Device-Key"]) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	status := store.StatusActive
	code := protocol.Registered
	if session.server.cfg.Server.Registration == RegistrationModerated {
		status = store.StatusAwaiting
		code = protocol.Pending
	}

	err := session.server.store.AddWorkspace(&store.Workspace{
		WID:          wid,
		Domain:       session.server.cfg.Server.Domain,
		Status:       status,
		PasswordHash: req.Data["Password-Hash"],
	})
	switch {
	case errors.Is(err, store.ErrExists):
		return session.sendQuickResponse(protocol.ResourceExists)
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	}
	if err = session.server.store.AddDevice(wid, devid, devkey); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}

	session.log.Info().Str("wid", wid).Msg("workspace registered")
	return session.sendResponse(protocol.NewServerResponse(code).
		Attach("Domain", session.server.cfg.Server.Domain))
}

// handlePrereg provisions a workspace for someone else: the admin gets back
// a one-time diceware code, and only its argon2id hash is stored.
func handlePrereg(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateAuthenticated {
		return session.sendQuickResponse(protocol.Unauthorized)
	}
	if !session.role.HasPermission(auth.PermManageUsers) {
		return session.sendQuickResponse(protocol.Forbidden)
	}

	wid := req.Data["Workspace-ID"]
	if wid == "" {
		wid = uuid.NewString()
	} else if _, err := uuid.Parse(wid); err != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	domain := req.Data["Domain"]
	if domain == "" {
		domain = session.server.cfg.Server.Domain
	}
	userID := req.Data["User-ID"]

	if _, err := session.server.store.GetWorkspace(wid); err == nil {
		return session.sendQuickResponse(protocol.ResourceExists)
	}
	if userID != "" {
		if _, err := session.server.store.ResolveUserID(userID); err == nil {
			return session.sendQuickResponse(protocol.ResourceExists)
		}
	}

	code, err := diceware.RollWords(regcodeWordCount, "-", wordlist.EFFShort)
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	codeHash, err := auth.HashRegCode(code)
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}

	err = session.server.store.AddPrereg(&store.Preregistration{
		WID:      wid,
		UserID:   userID,
		Domain:   domain,
		CodeHash: codeHash,
	})
	switch {
	case errors.Is(err, store.ErrExists):
		return session.sendQuickResponse(protocol.ResourceExists)
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	}

	resp := protocol.NewServerResponse(protocol.OK).
		Attach("Workspace-ID", wid).
		Attach("Domain", domain).
		Attach("Reg-Code", code)
	if userID != "" {
		resp.Attach("User-ID", userID)
	}
	return session.sendResponse(resp)
}

// handleRegCode redeems a preregistration code and activates the
// workspace. Guesses feed the registration lockout counter.
func handleRegCode(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateNoSession {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if req.Validate([]string{"Reg-Code", "Password-Hash", "Device-ID",
		"Device-Key"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	id := req.Data["Workspace-ID"]
	if id == "" {
		id = req.Data["User-ID"]
	}
	if id == "" {
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

	if remaining := session.server.tracker.CheckLockout(auth.FailureRegistration,
		session.source()); remaining > 0 {
		return session.sendLockoutResponse(remaining)
	}

	prereg, err := session.server.store.GetPrereg(id)
	if err != nil {
		session.server.tracker.LogFailure(auth.FailureRegistration, session.source())
		session.server.failureDelay()
		return session.sendQuickResponse(protocol.NotFound)
	}

	match, err := auth.VerifyRegCode(req.Data["Reg-Code"], prereg.CodeHash)
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	if !match {
		remaining := session.server.tracker.LogFailure(auth.FailureRegistration,
			session.source())
		session.server.failureDelay()
		if remaining > 0 {
			session.terminating = true
			return session.sendLockoutResponse(remaining)
		}
		return session.sendQuickResponse(protocol.AuthFailure)
	}

	err = session.server.store.AddWorkspace(&store.Workspace{
		WID:          prereg.WID,
		UserID:       prereg.UserID,
		Domain:       prereg.Domain,
		Status:       store.StatusActive,
		PasswordHash: req.Data["Password-Hash"],
	})
	switch {
	case errors.Is(err, store.ErrExists):
		return session.sendQuickResponse(protocol.ResourceExists)
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	}
	if err = session.server.store.AddDevice(prereg.WID, devid, devkey); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	if err = session.server.store.DeletePrereg(prereg); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}

	session.log.Info().Str("wid", prereg.WID).Msg("preregistration redeemed")
	return session.sendResponse(protocol.NewServerResponse(protocol.Registered).
		Attach("Workspace-ID", prereg.WID).
		Attach("Domain", prereg.Domain))
}

// handleUnregister archives the caller's own workspace. The ID is kept as
// a tombstone so it can never be reissued. The admin workspace cannot be
// removed this way.
func handleUnregister(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateAuthenticated {
		return session.sendQuickResponse(protocol.Unauthorized)
	}
	// the sole administrator cannot remove itself
	if session.role.HasPermission(auth.PermManageUsers) {
		return session.sendQuickResponse(protocol.Forbidden)
	}
	if req.Validate([]string{"Password-Hash"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	match, err := session.server.store.CheckPassword(session.wid,
		req.Data["Password-Hash"])
	if err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	if !match {
		return session.authFailure(auth.FailurePassword)
	}

	if err = session.server.store.SetWorkspaceStatus(session.wid,
		store.StatusDeleted); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}

	session.log.Info().Str("wid", session.wid).Msg("workspace unregistered")
	session.reset()
	return session.sendQuickResponse(protocol.Unregistered)
}

// handleGetWID resolves a user ID to its workspace ID.
func handleGetWID(session *Session, req *protocol.ClientRequest) error {
	if req.Validate([]string{"User-ID"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if domain, ok := req.Data["Domain"]; ok && domain != "" &&
		domain != session.server.cfg.Server.Domain {
		return session.sendQuickResponse(protocol.NotFound)
	}

	wid, err := session.server.store.ResolveUserID(req.Data["User-ID"])
	if err != nil {
		return session.sendQuickResponse(protocol.NotFound)
	}
	return session.sendResponse(protocol.NewServerResponse(protocol.OK).
		Attach("Workspace-ID", wid))
}

// isLocalSource reports whether the connection originates from a loopback
// or private-range address, for network-mode registration.
func (session *Session) isLocalSource() bool {
	ip := net.ParseIP(session.source())
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
