package account

import (
	"context"
	"crypto/subtle"
	"log"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/ivicac/emailengine/internal/cache"
	"github.com/ivicac/emailengine/internal/settings"
)

// Session is the slice of connection state resolution works against.
// The resolved handle is cached on the session itself, so its lifetime
// can never exceed the connection's.
type Session interface {
	AuthRequired() bool
	Account() *Handle
	SetAccount(*Handle)
}

// Resolver decides, for every inbound message, which account identity
// owns it.
type Resolver struct {
	bridge   Caller
	settings settings.Store
	cache    *cache.Cache
}

func NewResolver(bridge Caller, st settings.Store, c *cache.Cache) *Resolver {
	return &Resolver{
		bridge:   bridge,
		settings: st,
		cache:    c,
	}
}

// Resolve picks the account for a submission. In order: an
// authenticated session reuses its cached handle; an unauthenticated
// session with a routing directive loads the directive's account and
// caches it for later messages on the same connection (a load failure
// only logs and falls through); any handle already on the session is
// reused; otherwise the failure distinguishes a missing directive from
// a failed load.
func (r *Resolver) Resolve(ctx context.Context, sess Session, directive string) (*Handle, error) {
	if sess.AuthRequired() && sess.Account() != nil {
		return sess.Account(), nil
	}

	if !sess.AuthRequired() && directive != "" {
		handle, err := r.load(ctx, directive)
		if err != nil {
			log.Printf("resolve - load '%s': %s", directive, err)
		} else {
			sess.SetAccount(handle)
			return handle, nil
		}
	}

	if sess.Account() != nil {
		return sess.Account(), nil
	}

	if !sess.AuthRequired() && directive == "" {
		return nil, ErrNoSenderAccount
	}

	return nil, ErrAccountLoadFailed
}

// Authenticate runs the login path: the submitted password is checked
// against the shared secret from the settings store, then the account
// is loaded and its handle cached on the session. Every failure mode
// collapses into the same generic AuthError.
func (r *Resolver) Authenticate(ctx context.Context, sess Session, accountID, password string) (*Handle, error) {
	secret, err := r.settings.Get(ctx, settings.KeyPassword)
	if err != nil {
		log.Printf("auth - '%s' - read shared secret: %s", accountID, err)
		return nil, &AuthError{Temporary: !errors.Is(err, settings.ErrNotFound)}
	}

	if !verifyPassword(secret, password) {
		return nil, &AuthError{}
	}

	handle := NewHandle(accountID, r.bridge)

	md, err := handle.Load(ctx)
	if err != nil {
		if IsNotFound(err) {
			// the account may have been deleted since a previous login
			r.cache.Del("account", accountID)
			// do not reveal whether the account exists
			return nil, &AuthError{}
		}
		log.Printf("auth - '%s' - load account: %s", accountID, err)
		return nil, &AuthError{Temporary: true}
	}

	r.cache.Set("account", accountID, md)
	sess.SetAccount(handle)

	return handle, nil
}

// load builds a handle for id, fetching metadata from the parent
// unless a recent lookup is still cached.
func (r *Resolver) load(ctx context.Context, id string) (*Handle, error) {
	handle := NewHandle(id, r.bridge)

	if _, ok := r.cache.Get("account", id); ok {
		return handle, nil
	}

	md, err := handle.Load(ctx)
	if err != nil {
		return nil, err
	}

	r.cache.Set("account", id, md)

	return handle, nil
}

// the shared secret may be stored as a bcrypt hash; anything else is
// compared in constant time
func verifyPassword(stored, given string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
