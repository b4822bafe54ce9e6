package stats

import (
	"sync"
	"sync/atomic"
)

type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMaxIterations   Reason = "max-iterations"
	ReasonMaxTime         Reason = "max-time"
	ReasonWorkersFinished Reason = "workers-finished"
	ReasonCancelled       Reason = "cancelled"
)

// DoneFlag is the run's broadcast stop signal. It is set at most once and
// never cleared.
type DoneFlag struct {
	once   sync.Once
	set    atomic.Bool
	ch     chan struct{}
	reason atomic.Value
}

func NewDoneFlag() *DoneFlag {
	return &DoneFlag{ch: make(chan struct{})}
}

// Set marks the flag and reports whether this call was the one that set it.
func (d *DoneFlag) Set(reason Reason) bool {
	first := false
	d.once.Do(func() {
		d.reason.Store(reason)
		d.set.Store(true)
		close(d.ch)
		first = true
	})
	return first
}

func (d *DoneFlag) IsSet() bool {
	return d.set.Load()
}

// C is closed when the flag is set.
func (d *DoneFlag) C() <-chan struct{} {
	return d.ch
}

func (d *DoneFlag) Reason() Reason {
	r, _ := d.reason.Load().(Reason)
	return r
}
