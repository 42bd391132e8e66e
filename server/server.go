// Package server implements the Mensago trust engine: the listening loop,
// the per-connection session state machine, and the command handlers for
// authentication, registration, and keycard custody.
package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mensago/mensagod/auth"
	cs "github.com/mensago/mensagod/cryptostring"
	"github.com/mensago/mensagod/protocol"
	"github.com/mensago/mensagod/store"
)

// A commandHandler processes one client request inside a session. Handlers
// send their own responses; a returned error tears the connection down.
type commandHandler func(*Session, *protocol.ClientRequest) error

// Server owns the shared state every connection works against. All fields
// are set at construction and never change; the store and tracker carry
// their own synchronization.
type Server struct {
	cfg     *Config
	log     zerolog.Logger
	store   *store.Store
	keys    *OrgKeys
	tracker *auth.Tracker

	handlers map[string]commandHandler

	listener net.Listener
	stop     chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
}

// New assembles a server from its collaborators. The caller owns the store's
// database handle.
func New(cfg *Config, logger zerolog.Logger, st *store.Store, keys *OrgKeys) *Server {
	server := &Server{
		cfg:   cfg,
		log:   logger.With().Str("component", "server").Logger(),
		store: st,
		keys:  keys,
		tracker: auth.NewTracker(auth.TrackerConfig{
			MaxFailures:          cfg.Security.MaxFailures,
			LockoutDuration:      cfg.lockoutDuration(),
			MaxRegistrations:     cfg.Security.MaxRegistrations,
			RegistrationDuration: cfg.registrationDelay(),
		}),
		stop: make(chan struct{}),
	}

	server.handlers = map[string]commandHandler{
		"LOGIN":      handleLogin,
		"PASSWORD":   handlePassword,
		"DEVICE":     handleDevice,
		"DEVKEY":     handleDevKey,
		"LOGOUT":     handleLogout,
		"ADDENTRY":   handleAddEntry,
		"ORGCARD":    handleOrgCard,
		"USERCARD":   handleUserCard,
		"ISCURRENT":  handleIsCurrent,
		"REGISTER":   handleRegister,
		"PREREG":     handlePrereg,
		"REGCODE":    handleRegCode,
		"UNREGISTER": handleUnregister,
		"GETWID":     handleGetWID,
		"NOOP":       handleNoop,
		"QUIT":       handleQuit,
	}
	return server
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.log.Info().Str("address", listener.Addr().String()).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			s.log.Error().Err(err).Msg("accept failed")
			return err
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for in-flight sessions.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.conns.Wait()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	session := s.newSession(conn)
	session.log.Debug().Msg("connection opened")

	for !session.terminating {
		if err := s.serveCommand(session); err != nil {
			if !errors.Is(err, errConnClosed) {
				session.log.Debug().Err(err).Msg("connection error")
			}
			return
		}
	}
	session.log.Debug().Msg("connection closed")
}

// AuthenticateConnection drives the handshake over conn until the client
// either authenticates or the connection ends, and returns the
// authenticated session. It serves exactly the same command set as the
// normal loop, so a caller embedding the trust engine gets identical
// semantics.
func (s *Server) AuthenticateConnection(conn net.Conn) (*Session, error) {
	session := s.newSession(conn)
	for session.state != stateAuthenticated {
		if session.terminating {
			return nil, errors.New("connection terminated before authentication")
		}
		if err := s.serveCommand(session); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// serveCommand reads one request and dispatches it. Oversized and malformed
// frames get a 400 without advancing any session state.
func (s *Server) serveCommand(session *Session) error {
	request, err := session.readRequest()
	switch {
	case errors.Is(err, protocol.ErrTooLarge):
		return session.sendQuickResponse(protocol.BadRequest)
	case errors.Is(err, protocol.ErrMalformed):
		return session.sendQuickResponse(protocol.BadRequest)
	case err != nil:
		return errConnClosed
	}

	handler, ok := s.handlers[request.Action]
	if !ok {
		return session.sendQuickResponse(protocol.BadRequest)
	}
	return handler(session, request)
}

// VerifyKeycardChain performs full transitive verification of an owner's
// stored chain, from the first entry to the head. User chains are checked
// against every organization verification key the org card has ever
// published, since older entries were counter-signed by older keys. The
// org chain itself is anchored to the server's own signing key.
func (s *Server) VerifyKeycardChain(owner string) error {
	card, err := s.store.GetKeycard(owner)
	if err != nil {
		return err
	}
	if owner == store.OrgOwner {
		return card.VerifyChain([]cs.CryptoString{s.keys.Signing.PublicKey})
	}
	orgKeys, err := s.orgVerificationKeys()
	if err != nil {
		return err
	}
	return card.VerifyChain(orgKeys)
}

// orgVerificationKeys collects the primary verification key of every entry
// in the stored org chain, oldest first.
func (s *Server) orgVerificationKeys() ([]cs.CryptoString, error) {
	orgCard, err := s.store.GetKeycard(store.OrgOwner)
	if err != nil {
		return nil, err
	}
	keys := make([]cs.CryptoString, 0, len(orgCard.Entries))
	for _, entry := range orgCard.Entries {
		key := cs.New(entry.Fields["Primary-Verification-Key"])
		if !key.IsValid() {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// failureDelay pauses after an authentication failure so repeated guessing
// costs wall-clock time even below the lockout threshold.
func (s *Server) failureDelay() {
	delay := s.cfg.failureDelay()
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-s.stop:
	}
}
