package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModulePaused is returned when an operation hits a paused switch.
var ErrModulePaused = errors.New("module paused")

// PauseView reports the pause switches set by operators.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails on the first paused module in scopes, broadest first. Empty
// scopes are skipped.
func Guard(p PauseView, scopes ...string) error {
	if p == nil {
		return nil
	}
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if p.IsPaused(scope) {
			return fmt.Errorf("%w: %s", ErrModulePaused, scope)
		}
	}
	return nil
}
