package detector

// signal is a single-slot, edge-triggered event. A post made while nobody waits
// is kept until the next wait, and further posts before that are merged.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

// Post raises the signal without blocking.
func (s *signal) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel receiving one value per raised signal.
func (s *signal) C() <-chan struct{} { return s.ch }

// Clear drops a pending signal.
func (s *signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}
