//go:build linux

package netreactor

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the soft RLIMIT_NOFILE to the hard limit, capped at
// want when want is positive, and returns the resulting soft limit.
func RaiseFileLimit(want uint64) uint64 {
	limit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return 0
	}
	target := limit.Max
	if want > 0 && want < target {
		target = want
	}
	if target <= limit.Cur {
		return limit.Cur
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{
		Cur: target,
		Max: limit.Max,
	})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return limit.Cur
	}
	log.Info().Msgf("raised open files limit from %d to %d", limit.Cur, target)
	return target
}
