// Package metrics defines the recorder interface the engine emits through,
// with prometheus and noop implementations.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
