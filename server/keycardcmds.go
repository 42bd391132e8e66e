package server

import (
	"errors"
	"strconv"

	"github.com/mensago/mensagod/crypto"
	cs "github.com/mensago/mensagod/cryptostring"
	"github.com/mensago/mensagod/keycard"
	"github.com/mensago/mensagod/protocol"
	"github.com/mensago/mensagod/store"
)

// handleAddEntry runs the three-round custody protocol for extending a user
// keycard. Round one delivers the base entry; the server counter-signs,
// chains it, and hashes it. Round two returns the organization's
// contribution. Round three brings the client's own signature, and only
// then does anything touch storage.
func handleAddEntry(session *Session, req *protocol.ClientRequest) error {
	if session.state != stateAuthenticated {
		return session.sendQuickResponse(protocol.Unauthorized)
	}
	if req.Validate([]string{"Base-Entry"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	entry, err := keycard.NewEntryFromData(req.Data["Base-Entry"])
	if err != nil || entry.Type != keycard.TypeUser {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if !entry.IsDataCompliant() {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	if entry.Fields["Workspace-ID"] != session.wid {
		return session.sendQuickResponse(protocol.Forbidden)
	}
	if entry.Fields["Domain"] != session.server.cfg.Server.Domain {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	// chain against the submitter's current head, or the org head for a
	// root entry
	head, err := session.server.store.GetLastEntry(session.wid)
	var prevHash cs.CryptoString
	switch {
	case errors.Is(err, store.ErrNotFound):
		if entry.Index() != 1 {
			return session.sendQuickResponse(protocol.Conflict)
		}
		orgHead, err := session.server.store.GetLastEntry(store.OrgOwner)
		if err != nil {
			return session.sendQuickResponse(protocol.InternalError)
		}
		prevHash = orgHead.Hash
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	default:
		if entry.Index() != head.Index()+1 {
			return session.sendQuickResponse(protocol.Conflict)
		}
		if entry.Signatures["Custody"] == "" {
			return session.sendQuickResponse(protocol.BadRequest)
		}
		ok, err := entry.VerifyChain(head)
		if err != nil || !ok {
			return session.sendQuickResponse(protocol.BadRequest)
		}
		prevHash = head.Hash
	}

	if err = entry.Sign(session.server.keys.Signing.PrivateKey,
		"Organization"); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}
	entry.PrevHash = prevHash
	if err = entry.GenerateHash(crypto.DefaultHashAlgorithm); err != nil {
		return session.sendQuickResponse(protocol.InternalError)
	}

	if err = session.sendResponse(protocol.NewServerResponse(protocol.Continue).
		Attach("Organization-Signature", entry.Signatures["Organization"]).
		Attach("Previous-Hash", entry.PrevHash.AsString()).
		Attach("Hash", entry.Hash.AsString())); err != nil {
		return err
	}

	// round three: the owner's signature, or a cancellation. Nothing from
	// an unfinished exchange survives, so any other outcome just abandons
	// the entry.
	answer, err := session.readRequest()
	if err != nil {
		return errConnClosed
	}
	if answer.Action == "CANCEL" {
		return session.sendQuickResponse(protocol.OK)
	}
	if answer.Action != "ADDENTRY" ||
		answer.Validate([]string{"User-Signature"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	entry.Signatures["User"] = answer.Data["User-Signature"]
	verifyKey := cs.New(entry.Fields["Contact-Request-Verification-Key"])
	ok, err := entry.VerifySignature(verifyKey, "User")
	if err != nil || !ok {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	switch err = session.server.store.AppendEntry(entry); {
	case errors.Is(err, store.ErrConflict):
		return session.sendQuickResponse(protocol.Conflict)
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	}

	session.log.Info().Str("wid", session.wid).
		Uint64("index", entry.Index()).Msg("keycard entry added")
	return session.sendQuickResponse(protocol.OK)
}

// handleOrgCard serves the organization's chain. The client gets a 104
// TRANSFER header first and must explicitly request the payload; reads are
// idempotent and never mutate anything.
func handleOrgCard(session *Session, req *protocol.ClientRequest) error {
	return session.sendCard(store.OrgOwner, req.Data["Start-Index"])
}

// handleUserCard serves a user's chain by workspace ID or user ID.
func handleUserCard(session *Session, req *protocol.ClientRequest) error {
	if req.Validate([]string{"Owner"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	owner := req.Data["Owner"]
	if _, err := session.server.store.GetWorkspace(owner); err != nil {
		wid, err := session.server.store.ResolveUserID(owner)
		if err != nil {
			return session.sendQuickResponse(protocol.NotFound)
		}
		owner = wid
	}
	return session.sendCard(owner, req.Data["Start-Index"])
}

func (session *Session) sendCard(owner, startField string) error {
	var startIndex uint64
	if startField != "" {
		parsed, err := strconv.ParseUint(startField, 10, 64)
		if err != nil {
			return session.sendQuickResponse(protocol.BadRequest)
		}
		startIndex = parsed
	}

	entries, err := session.server.store.GetEntries(owner, startIndex)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return session.sendQuickResponse(protocol.NotFound)
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	}

	cardType := keycard.TypeUser
	if owner == store.OrgOwner {
		cardType = keycard.TypeOrganization
	}
	card := keycard.New(cardType)
	card.Entries = entries
	payload := string(card.MakeByteString())

	if err = session.sendResponse(protocol.NewServerResponse(protocol.Transfer).
		Attach("Item-Count", strconv.Itoa(len(entries))).
		Attach("Total-Size", strconv.Itoa(len(payload)))); err != nil {
		return err
	}

	answer, err := session.readRequest()
	if err != nil {
		return errConnClosed
	}
	if answer.Action == "CANCEL" {
		return session.sendQuickResponse(protocol.OK)
	}
	if answer.Action != "TRANSFER" {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	return session.sendResponse(protocol.NewServerResponse(protocol.OK).
		Attach("Item-Count", strconv.Itoa(len(entries))).
		Attach("Total-Size", strconv.Itoa(len(payload))).
		Attach("Card-Data", payload))
}

// handleIsCurrent answers whether a client-cached index is still the head
// of a chain, without transferring the chain.
func handleIsCurrent(session *Session, req *protocol.ClientRequest) error {
	if req.Validate([]string{"Index"}) != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	index, err := strconv.ParseUint(req.Data["Index"], 10, 64)
	if err != nil {
		return session.sendQuickResponse(protocol.BadRequest)
	}

	owner := store.OrgOwner
	if wid, ok := req.Data["Workspace-ID"]; ok && wid != "" {
		owner = wid
	}

	head, err := session.server.store.GetLastEntry(owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return session.sendQuickResponse(protocol.NotFound)
	case err != nil:
		return session.sendQuickResponse(protocol.InternalError)
	}

	isCurrent := "NO"
	if head.Index() == index {
		isCurrent = "YES"
	}
	return session.sendResponse(protocol.NewServerResponse(protocol.OK).
		Attach("Is-Current", isCurrent))
}
