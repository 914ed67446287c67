package chipset

import "sync"

// LineSet manages level-triggered interrupt lines shared by several
// sources. A line reads high while at least one of its handles drives it
// high, and the sink only observes level changes.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines map[uint8]*lineState
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
	}
}

// AllocateLine returns a new LineInterrupt handle for the given IRQ line.
// Each handle contributes independently to the wired-OR level.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && state.asserted > 0
}

type lineState struct {
	asserted int
}

type lineHandle struct {
	mu    sync.Mutex
	owner *LineSet
	irq   uint8
	high  bool
}

func (h *lineHandle) SetLevel(high bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.high == high {
		return
	}
	h.high = high
	h.owner.adjust(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) adjust(irq uint8, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	before := state.asserted > 0
	if high {
		state.asserted++
	} else if state.asserted > 0 {
		state.asserted--
	}
	after := state.asserted > 0
	// The sink sees transitions in the order they happen.
	if before != after {
		l.sink.SetIRQ(irq, after)
	}
	l.mu.Unlock()
}

func (l *LineSet) pulse(irq uint8) {
	l.mu.Lock()
	state := l.lines[irq]
	held := state != nil && state.asserted > 0
	l.mu.Unlock()
	if held {
		return
	}
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
