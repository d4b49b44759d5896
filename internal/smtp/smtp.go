package smtp

import (
	"context"
	"log"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"

	"github.com/ivicac/emailengine/internal/account"
	"github.com/ivicac/emailengine/internal/bridge"
	"github.com/ivicac/emailengine/internal/metrics"
	"github.com/ivicac/emailengine/internal/settings"
)

// Server accepts outbound mail submissions and hands them to the
// parent's delivery queue. Expected to sit behind a TLS-terminating
// proxy, so no in-band encryption is negotiated.
type Server struct {
	bridge   *bridge.Bridge
	settings settings.Store
	resolver *account.Resolver
	emitter  *metrics.Emitter

	s *smtp.Server

	// re-read from the settings store on every new connection; the
	// proxy listener policy reads it on accept
	proxyEnabled atomic.Bool
}

func NewServer(b *bridge.Bridge, st settings.Store, resolver *account.Resolver, emitter *metrics.Emitter) *Server {
	server := &Server{
		bridge:   b,
		settings: st,
		resolver: resolver,
		emitter:  emitter,
	}

	s := smtp.NewServer(server)
	s.MaxRecipients = 100
	s.ReadTimeout = 10 * time.Minute
	s.WriteTimeout = 10 * time.Minute
	// TLS terminates upstream, AUTH PLAIN over plaintext is expected
	s.AllowInsecureAuth = true

	if len(os.Getenv("EENGINE_DEBUG")) > 0 {
		s.Debug = os.Stdout
	}

	server.s = s

	return server
}

// Run binds the submission listener on the host/port taken from the
// settings store and serves until the listener fails. A bind failure
// is reported to the parent once and then propagated; the process is
// expected to terminate on it.
func (s *Server) Run(ctx context.Context, domain string) error {
	s.s.Domain = domain

	host := settings.String(ctx, s.settings, settings.KeyHost, "0.0.0.0")
	port := settings.Int(ctx, s.settings, settings.KeyPort, 2525)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		s.notifyState("failed", err)
		return errors.WithMessagef(err, "listen %s", addr)
	}

	s.notifyState("listening", nil)
	log.Printf("submission server listening on %s", addr)

	return s.Serve(l)
}

// Serve runs the SMTP engine on l, honouring the proxy-protocol
// toggle for connections that arrive with a PROXY header.
func (s *Server) Serve(l net.Listener) error {
	proxied := &proxyproto.Listener{
		Listener: l,
		Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			if s.proxyEnabled.Load() {
				return proxyproto.USE, nil
			}
			return proxyproto.IGNORE, nil
		},
	}

	return s.s.Serve(proxied)
}

func (s *Server) Close() error {
	return s.s.Close()
}

// NewSession snapshots the runtime policy for this connection: the
// authentication toggle is stamped on the session, so a later settings
// change never flips a connection mid-session, and AUTH is advertised
// per session rather than by mutating a shared command set.
func (s *Server) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	authRequired := settings.Bool(ctx, s.settings, settings.KeyAuthEnabled, false)
	s.proxyEnabled.Store(settings.Bool(ctx, s.settings, settings.KeyProxyEnabled, false))

	session, err := s.newSession(c, authRequired)
	if err != nil {
		log.Printf("NewSession: %s", err)
		return nil, errors.New("temporary error, please try again later")
	}

	s.emitter.Connection()

	log.Printf("%s - init - auth required: %t", session, authRequired)

	return session, nil
}

type stateNotification struct {
	Cmd   string `json:"cmd"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// best effort, the parent losing a state change is not fatal here
func (s *Server) notifyState(state string, cause error) {
	msg := stateNotification{Cmd: "smtpServerState", State: state}
	if cause != nil {
		msg.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.bridge.Call(ctx, msg, 5*time.Second); err != nil {
		log.Printf("state notify '%s': %s", state, err)
	}
}
