package smtp

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ivicac/emailengine/internal/account"
	"github.com/ivicac/emailengine/internal/pipeline"
)

// Session is the per-connection state machine. The authentication
// toggle observed at connection time is stamped here and never changes
// for the lifetime of the connection; the resolved account handle
// lives here too and dies with the session.
type Session struct {
	id    uuid.UUID
	start time.Time

	server *Server
	conn   *smtp.Conn

	authRequired bool
	account      *account.Handle

	// envelope in progress
	from string
	to   []string

	// confirmation text of the last accepted submission
	lastResponse string
}

func (s *Server) newSession(c *smtp.Conn, authRequired bool) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	return &Session{
		id:           id,
		start:        time.Now(),
		server:       s,
		conn:         c,
		authRequired: authRequired,
	}, nil
}

func (s *Session) String() string {
	return s.id.String()
}

// account.Session
func (s *Session) AuthRequired() bool           { return s.authRequired }
func (s *Session) Account() *account.Handle     { return s.account }
func (s *Session) SetAccount(h *account.Handle) { s.account = h }

// AuthMechanisms advertises AUTH only when this connection's policy
// snapshot requires it. Re-deriving the set per session means a toggle
// can never leave duplicate entries behind.
func (s *Session) AuthMechanisms() []string {
	if !s.authRequired {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if !s.authRequired || mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := s.server.resolver.Authenticate(ctx, s, username, password); err != nil {
			var authErr *account.AuthError
			if errors.As(err, &authErr) && authErr.Temporary {
				log.Printf("%s - auth failed for '%s' (temporary)", s, username)
				return &smtp.SMTPError{
					Code:         454,
					EnhancedCode: smtp.EnhancedCode{4, 7, 0},
					Message:      "Temporary authentication failure",
				}
			}
			log.Printf("%s - auth failed for '%s'", s, username)
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		}

		log.Printf("%s - authenticated as '%s'", s, username)
		return nil
	}), nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.authRequired && s.account == nil {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	s.from = from

	log.Printf("%s - Mail - From: '%s'", s, from)

	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)

	log.Printf("%s - Rcpt - To: '%s'", s, to)

	return nil
}

// Data streams the message through the pipeline, accumulating output
// up to the size ceiling. A too-large message is drained to
// end-of-stream before being rejected so the protocol never
// desynchronizes.
func (s *Session) Data(r io.Reader) error {
	start := time.Now()

	buf := newDrainBuffer(MaxMessageBytes)

	res, err := pipeline.Run(r, buf)
	if err != nil {
		s.server.emitter.Submission("parseerror")
		log.Printf("%s - Data - pipeline: %s", s, err)
		return errors.Errorf("can not read message (%s)", s)
	}

	if buf.exceeded {
		s.server.emitter.Submission("oversize")
		log.Printf("%s - Data - message too large (%d bytes)", s, buf.n)
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message exceeds maximum allowed size",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	handle, err := s.server.resolver.Resolve(ctx, s, res.Directive)
	if err != nil {
		if errors.Is(err, account.ErrNoSenderAccount) {
			s.server.emitter.Submission("noaccount")
		} else {
			s.server.emitter.Submission("accounterror")
		}
		log.Printf("%s - Data - resolve: %s", s, err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      err.Error(),
		}
	}

	env := &account.Envelope{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Raw:  buf.Bytes(),
	}

	queued, err := handle.Queue(ctx, env, queueMeta(s, env.Raw))
	if err != nil {
		s.server.emitter.Submission("queueerror")
		log.Printf("%s - Data - queue: %s", s, err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      err.Error(),
		}
	}

	s.lastResponse = queuedResponse(queued)
	s.server.emitter.Submission("accepted")

	log.Printf("%s - Data - %s - read %d bytes in %s", s, s.lastResponse, buf.n, time.Since(start))

	return nil
}

func (s *Session) Reset() {
	// the resolved account stays with the connection
	s.from = ""
	s.to = nil
}

func (s *Session) Logout() error {
	s.account = nil
	log.Printf("%s - Logout - after %s", s, time.Since(s.start))
	return nil
}
