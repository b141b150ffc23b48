package proxy

import "errors"

// Sentinel errors returned by the proxy core. Compare with errors.Is, the
// same way callers compare against sip.ErrTransactionTimeout and friends.
var (
	ErrNoDestination    = errors.New("proxy: uac has no destination to send to")
	ErrServersExhausted = errors.New("proxy: resolver server list exhausted")
)
