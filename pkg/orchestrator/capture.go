package orchestrator

import "sync"

// CaptureStateMachine enforces strict mutual exclusion: at most one active
// capture session at any moment. Mirrors the locking discipline of the
// teacher's ConversationSession.
type CaptureStateMachine struct {
	mu     sync.Mutex
	active SessionID
	open   bool
}

func NewCaptureStateMachine() *CaptureStateMachine {
	return &CaptureStateMachine{}
}

// StartCapture makes id the active session. Returns true iff no session was
// already active.
func (c *CaptureStateMachine) StartCapture(id SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return false
	}
	c.active = id
	c.open = true
	return true
}

// StopCapture clears the active session iff expected matches it.
func (c *CaptureStateMachine) StopCapture(expected SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.active != expected {
		return false
	}
	c.open = false
	c.active = ""
	return true
}

// CancelCapture clears any active session unconditionally.
func (c *CaptureStateMachine) CancelCapture() (SessionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return "", false
	}
	id := c.active
	c.open = false
	c.active = ""
	return id, true
}

func (c *CaptureStateMachine) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *CaptureStateMachine) IsSessionActive(id SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && c.active == id
}
