package panel

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `panel` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection drops and auth failures
//     - failed subscriptions and fetches
// Warning:
//     unexpected panics in listeners or dependents, handled and suppressed
// V(1):
//     key lifecycle events with ids that can be used to filter
//     - connect, reconnect, disconnect, panel changes, cache decisions
// V(2):
//     frequent events - send, receive, state propagation

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
