package core

import "time"

// Clock is used for time controls in scheduled jobs. It is injected so that
// it can be replaced with a fake in unit tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
