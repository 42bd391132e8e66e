package server

import "github.com/mensago/mensagod/protocol"

func handleNoop(session *Session, req *protocol.ClientRequest) error {
	return session.sendQuickResponse(protocol.OK)
}

func handleQuit(session *Session, req *protocol.ClientRequest) error {
	session.terminating = true
	return session.sendQuickResponse(protocol.OK)
}
