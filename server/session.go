package server

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mensago/mensagod/auth"
	"github.com/mensago/mensagod/protocol"
)

// loginState tracks where a connection is in the authentication handshake.
// Out-of-phase commands are protocol errors, not authentication failures,
// and never feed the lockout tracker.
type loginState int

const (
	stateNoSession loginState = iota
	stateAwaitingPassword
	stateAwaitingDevice
	stateAuthenticated
)

var errConnClosed = errors.New("connection closed")

// A Session is one client connection's state. Sessions are confined to
// their connection goroutine and need no locking.
type Session struct {
	conn   net.Conn
	server *Server
	log    zerolog.Logger

	state       loginState
	wid         string
	devid       string
	role        auth.Role
	terminating bool
}

func (s *Server) newSession(conn net.Conn) *Session {
	return &Session{
		conn:   conn,
		server: s,
		log:    s.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// source is the lockout tracker key for this connection's origin.
func (session *Session) source() string {
	host, _, err := net.SplitHostPort(session.conn.RemoteAddr().String())
	if err != nil {
		return session.conn.RemoteAddr().String()
	}
	return host
}

// readRequest reads the next frame under the state-appropriate deadline:
// short before authentication, long after.
func (session *Session) readRequest() (*protocol.ClientRequest, error) {
	deadline := session.server.cfg.shortDeadline()
	if session.state == stateAuthenticated {
		deadline = session.server.cfg.longDeadline()
	}
	if err := session.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, err
	}
	return protocol.ReadRequest(session.conn, session.server.cfg.Security.MaxMessageSize)
}

func (session *Session) sendResponse(resp *protocol.ServerResponse) error {
	return protocol.WriteResponse(session.conn, resp)
}

// sendQuickResponse sends a bare status code with its canonical phrase.
func (session *Session) sendQuickResponse(code int) error {
	return session.sendResponse(protocol.NewServerResponse(code))
}

// sendLockoutResponse reports an active lockout with the remaining wait in
// whole seconds.
func (session *Session) sendLockoutResponse(remaining time.Duration) error {
	seconds := int(remaining.Round(time.Second).Seconds())
	return session.sendResponse(protocol.NewServerResponse(protocol.Unavailable).
		Attach("Lockout-Time", strconv.Itoa(seconds)))
}

// reset drops all authentication progress without closing the connection.
func (session *Session) reset() {
	session.state = stateNoSession
	session.wid = ""
	session.devid = ""
	session.role = auth.RoleNone
}
