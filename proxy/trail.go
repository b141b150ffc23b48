package proxy

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// newTrail mints a correlation id for a UAS transaction the way the
// original captures a SAS trail id at init, except generated locally
// instead of propagated from a diagnostics subsystem. It stays attached to
// a UAS (and every UAC forked from it) for the life of the transaction,
// independent of branch ids, which change across retries.
func newTrail() string {
	return uuid.NewString()
}

func trailLogger(base zerolog.Logger, trail string) zerolog.Logger {
	return base.With().Str("trail", trail).Logger()
}
