package rsashm

import (
	"sync"
	"time"
)

// MaxInvokedSvcFailures is the number of consecutive non-success responses
// to the same peer before the breaker opens (spec §4.7).
const MaxInvokedSvcFailures = 15

// MaxSvcBreakedTimeInS is how long, in seconds of monotonic wall time, the
// breaker stays open before allowing a retry (spec §4.7).
const MaxSvcBreakedTimeInS = 60

// breaker is a per-peer circuit breaker guarding RsaShmClientManager.
// SendMsgTo, modeled after the teacher's appendFSM explicit-state style:
// a small enum plus the fields that drive its transitions, rather than a
// generic breaker library (none is imported by the teacher or the wider
// example pack).
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
)

type breaker struct {
	mu sync.Mutex

	state      breakerState
	failures   int
	openedAt   time.Time
	timeSource func() time.Time
}

func newBreaker() *breaker {
	return &breaker{timeSource: time.Now}
}

// allow reports whether a send attempt should proceed. It transitions
// stateOpen -> stateClosed once MaxSvcBreakedTimeInS has elapsed, giving
// the next call a chance to probe the peer (spec §4.7: "After ... 60
// seconds ... the next send is attempted").
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateClosed {
		return true
	}
	if b.timeSource().Sub(b.openedAt) >= MaxSvcBreakedTimeInS*time.Second {
		b.state = stateClosed
		b.failures = 0
		return true
	}
	return false
}

// recordFailure increments the consecutive-failure counter and opens the
// breaker once it reaches MaxInvokedSvcFailures.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= MaxInvokedSvcFailures {
		b.state = stateOpen
		b.openedAt = b.timeSource()
	}
}

// recordSuccess resets the failure counter and closes the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = stateClosed
}
