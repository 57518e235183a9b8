package pipeline

import "sync"

// InterruptController holds per-pipeline stop requests. A request is a
// signal, not durable state: the pipeline's interrupted flag is only
// persisted once the executor has actually stopped.
type InterruptController struct {
	mu      sync.Mutex
	pending map[string]*interruptSignal
}

type interruptSignal struct {
	ch    chan struct{}
	fired bool
}

func NewInterruptController() *InterruptController {
	return &InterruptController{pending: make(map[string]*interruptSignal)}
}

func (c *InterruptController) signal(pipelineID string) *interruptSignal {
	sig, ok := c.pending[pipelineID]
	if !ok {
		sig = &interruptSignal{ch: make(chan struct{})}
		c.pending[pipelineID] = sig
	}
	return sig
}

// Request asks the executor to stop the pipeline at its next poll point.
// Safe to call repeatedly.
func (c *InterruptController) Request(pipelineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sig := c.signal(pipelineID)
	if !sig.fired {
		sig.fired = true
		close(sig.ch)
	}
}

func (c *InterruptController) IsRequested(pipelineID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	sig, ok := c.pending[pipelineID]
	return ok && sig.fired
}

// Signal returns a channel that is closed once an interrupt has been
// requested for the pipeline. The executor selects on it while a stage that
// declared can_interrupt is running.
func (c *InterruptController) Signal(pipelineID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal(pipelineID).ch
}

func (c *InterruptController) Clear(pipelineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, pipelineID)
}
