package relay

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is how long a relay session must stay up before a
// subsequent drop restarts the schedule from the initial interval. A
// shorter session counts as a failed attempt and keeps climbing the
// curve, so a core that accepts the handshake but immediately dies
// cannot turn the reconnect loop into a hot spin.
const resetThreshold = 30 * time.Second

// newDefaultBackoff builds the reconnect schedule used against the
// core relay endpoint: 1s doubling up to a 60s ceiling. The 20% jitter
// keeps a fleet of gateways from stampeding the core after an outage.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}
