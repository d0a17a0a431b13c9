package pipeline

import "sync"

// CancelRegistry tracks canceled request ids. Transports mark every
// in-flight id when a connection drops; handlers poll IsCanceled at
// suspension points and bail out with COMMAND_FAILED.
type CancelRegistry struct {
	mu       sync.Mutex
	canceled map[string]struct{}
	inflight map[string]string // requestID -> connection id
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		canceled: make(map[string]struct{}),
		inflight: make(map[string]string),
	}
}

// Track registers a request as in-flight on a connection.
func (c *CancelRegistry) Track(requestID, connID string) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[requestID] = connID
}

// Done removes a finished request and forgets its cancellation mark.
func (c *CancelRegistry) Done(requestID string) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, requestID)
	delete(c.canceled, requestID)
}

// CancelConnection marks every in-flight request of a connection canceled
// and returns how many were marked.
func (c *CancelRegistry) CancelConnection(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, conn := range c.inflight {
		if conn == connID {
			c.canceled[id] = struct{}{}
			n++
		}
	}
	return n
}

// IsCanceled reports whether the request has been marked.
func (c *CancelRegistry) IsCanceled(requestID string) bool {
	if requestID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.canceled[requestID]
	return ok
}

// InflightOn counts requests still running on a connection.
func (c *CancelRegistry) InflightOn(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, conn := range c.inflight {
		if conn == connID {
			n++
		}
	}
	return n
}
