package rsashm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	var b = newBreaker()
	for i := 0; i < MaxInvokedSvcFailures-1; i++ {
		b.recordFailure()
		assert.True(t, b.allow(), "breaker should stay closed before reaching the threshold")
	}
	b.recordFailure()
	assert.False(t, b.allow())
}

func TestBreakerClosesAfterBreakDuration(t *testing.T) {
	var now = time.Now()
	var b = newBreaker()
	b.timeSource = func() time.Time { return now }
	for i := 0; i < MaxInvokedSvcFailures; i++ {
		b.recordFailure()
	}
	assert.False(t, b.allow())

	now = now.Add(MaxSvcBreakedTimeInS * time.Second)
	assert.True(t, b.allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	var b = newBreaker()
	for i := 0; i < MaxInvokedSvcFailures-1; i++ {
		b.recordFailure()
	}
	b.recordSuccess()
	for i := 0; i < MaxInvokedSvcFailures-1; i++ {
		b.recordFailure()
		assert.True(t, b.allow())
	}
}
