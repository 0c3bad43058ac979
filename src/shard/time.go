package shard

import "time"

// clockNowMS is a var, not a plain call to time.Now, so tests can freeze
// the clock without threading a clock interface through every method.
var clockNowMS = func() int64 {
	return time.Now().UnixMilli()
}
