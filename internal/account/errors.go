package account

import (
	"github.com/pkg/errors"

	"github.com/ivicac/emailengine/internal/bridge"
)

// CodeAccountNotFound marks a load failure as a plain missing account,
// distinguishable from other failure kinds.
const CodeAccountNotFound = "AccountNotFound"

// 451-class resolution failures, mapped to protocol rejections by the
// session handler.
var (
	ErrNoSenderAccount   = errors.New("no sender account specified")
	ErrAccountLoadFailed = errors.New("failed to load account")
)

// AuthError is the generic authentication failure presented to
// clients. It never reveals which condition triggered it; Temporary is
// set when the underlying cause was not a simple not-found.
type AuthError struct {
	Temporary bool
}

func (e *AuthError) Error() string {
	return "authentication failed"
}

// IsNotFound reports whether err is a load failure for an account the
// parent does not know about.
func IsNotFound(err error) bool {
	var bridgeErr *bridge.Error
	return errors.As(err, &bridgeErr) && bridgeErr.Code == CodeAccountNotFound
}
