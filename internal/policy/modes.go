package policy

import "sync"

// ModeController holds the session's current approval mode. The mode is
// read at policy-consult time per call; changing it never affects a call
// that already passed its consult.
type ModeController struct {
	mu   sync.RWMutex
	mode Mode
}

// NewModeController creates a controller starting in the given mode.
func NewModeController(mode Mode) *ModeController {
	if mode == "" {
		mode = ModeDefault
	}
	return &ModeController{mode: mode}
}

// Mode returns the current approval mode.
func (c *ModeController) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Set switches to an explicit mode.
func (c *ModeController) Set(mode Mode) error {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = parsed
	return nil
}

// Cycle advances default -> auto_edit -> yolo -> default and returns the
// new mode.
func (c *ModeController) Cycle() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode {
	case ModeDefault:
		c.mode = ModeAutoEdit
	case ModeAutoEdit:
		c.mode = ModeYolo
	default:
		c.mode = ModeDefault
	}
	return c.mode
}
