package proxy

// Status codes used internally by VerifyRequest, distinct from the SIP
// status codes a Hooks implementation returns directly.
type VerifyStatus int

const (
	StatusOK VerifyStatus = iota
	StatusUnsupportedURIScheme
	StatusTooManyHops
	StatusServiceUnavailable
)

// SIPStatus maps a VerifyStatus to the SIP response code it should surface
// as, per section 4.1.1.
func (v VerifyStatus) SIPStatus() (code int, reason string) {
	switch v {
	case StatusOK:
		return 200, "OK"
	case StatusUnsupportedURIScheme:
		return 416, "Unsupported URI Scheme"
	case StatusTooManyHops:
		return 483, "Too Many Hops"
	case StatusServiceUnavailable:
		return 503, "Service Unavailable"
	default:
		return 500, "Internal Server Error"
	}
}

const (
	StatusTrying              = 100
	StatusRequestTerminated   = 487
	StatusRequestTimeout      = 408
	StatusServerInternalError = 500
	StatusNotFound            = 404
	StatusCallDoesNotExist    = 481
)

// CompareStatus ranks two non-2xx final status codes, returning +1 if sc1 is
// strictly better than sc2 under the proxy's election rule, -1 if sc2 is
// better, 0 if equal. 487 is always best; 408 is always worst (unless both
// are 408 or both are 487); otherwise the lower numeric status wins.
//
// This mirrors the original implementation's compare_sip_sc rather than RFC
// 3261 section 16.7's 6xx-preferred guidance -- see DESIGN.md.
func CompareStatus(sc1, sc2 int) int {
	if sc1 == sc2 {
		return 0
	}
	if sc1 == StatusRequestTimeout {
		return -1
	}
	if sc2 == StatusRequestTimeout {
		return 1
	}
	if sc2 == StatusRequestTerminated {
		return -1
	}
	if sc1 == StatusRequestTerminated {
		return 1
	}
	if sc1 < sc2 {
		return 1
	}
	return -1
}
