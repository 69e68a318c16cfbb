package metrics

import "time"

type Noop struct{}

func NewNoop() Noop {
	return Noop{}
}

func (Noop) Increment(string)               {}
func (Noop) Duration(string, time.Duration) {}
func (Noop) Gauge(string, int)              {}
