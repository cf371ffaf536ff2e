package netreactor

import (
	"github.com/rs/zerolog/log"
)

// invariant reports a broken contract. With the netreactor_debug build tag it
// panics, otherwise it logs and lets the caller turn the operation into a no-op.
func invariant(ok bool, format string, args ...interface{}) bool {
	if ok {
		return true
	}
	if strictInvariants {
		log.Panic().Msgf(format, args...)
	}
	log.Error().Msgf(format, args...)
	return false
}
