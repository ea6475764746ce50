package packidx

import "sync/atomic"

// Progress receives advancement reports from long-running operations such
// as multi-index writes. Implementations are called from a single
// goroutine at a time per operation phase, but a shared implementation
// must tolerate concurrent Inc calls because entry collection may fan out
// across workers.
//
// The interface is deliberately narrow so that callers who do not care can
// pass DiscardProgress.
type Progress interface {
	// SetName labels the current phase, e.g. "collecting entries".
	SetName(name string)

	// Init announces the expected total for the phase and the unit the
	// subsequent Inc calls are counted in ("indices", "chunks", "bytes").
	// A negative total means unknown.
	Init(total int64, unit string)

	// Inc advances the phase counter by n units.
	Inc(n int64)
}

type discardProgress struct{}

func (discardProgress) SetName(string)     {}
func (discardProgress) Init(int64, string) {}
func (discardProgress) Inc(int64)          {}

// DiscardProgress ignores all reports.
var DiscardProgress Progress = discardProgress{}

// CountingProgress accumulates raw totals. It is mainly useful in tests
// and simple CLI frontends that only want a final figure per phase.
type CountingProgress struct {
	name  string
	total int64
	done  atomic.Int64
	unit  string
}

func (p *CountingProgress) SetName(name string) { p.name = name }

func (p *CountingProgress) Init(total int64, unit string) {
	p.total = total
	p.unit = unit
	p.done.Store(0)
}

func (p *CountingProgress) Inc(n int64) { p.done.Add(n) }

// Name returns the label of the most recent phase.
func (p *CountingProgress) Name() string { return p.name }

// Total returns the expected total announced for the current phase.
func (p *CountingProgress) Total() int64 { return p.total }

// Done returns the number of units completed in the current phase.
func (p *CountingProgress) Done() int64 { return p.done.Load() }

// Unit returns the unit label of the current phase.
func (p *CountingProgress) Unit() string { return p.unit }
