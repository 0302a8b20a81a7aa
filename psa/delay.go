package psa

import (
	"sync"
	"time"
)

// firstSendDelay mirrors publication.firstSendDelay; duplicated here so the
// PSA-owned guard and TopicPublication's own fallback agree on duration
// without exporting an otherwise-internal constant.
const firstSendDelay = 2 * time.Second

// delayFirstSend returns a closure suitable for Config.Publication.DelayFirstSend:
// a single process-wide Once-guarded sleep, owned by the PSA rather than by
// any one TopicPublication (spec §4.2, §9 "Global/process-wide state": "two
// publications created back-to-back must not both delay").
func delayFirstSend() func() {
	var once sync.Once
	return func() {
		once.Do(func() { time.Sleep(firstSendDelay) })
	}
}
