package imapconn

import "time"

// reconnectDelays is the ramp applied to the first reconnect attempts.
// Everything past the ramp is clamped to maxReconnectDelay, with no upper
// bound on the attempt count.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

const maxReconnectDelay = 60 * time.Second

// reconnectDelay returns the delay preceding the given attempt (1-based)
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= len(reconnectDelays) {
		return reconnectDelays[attempt-1]
	}
	return maxReconnectDelay
}
