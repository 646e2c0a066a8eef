package metrics

import "time"

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
