// Package gate verifies external storage preconditions before any operation
// starts. It is a pure read-then-decide check with no side effects, and it
// fails closed: if the check itself cannot complete, the operation does not
// start.
package gate

import (
	"errors"
	"fmt"

	"github.com/modeldeck/modeldeck/internal/drives"
	"github.com/modeldeck/modeldeck/internal/ops"
)

// Typed failure reasons. Callers use the distinction to choose between
// "open settings" and "reconnect device" flows, so it is part of the
// contract, not incidental.
var (
	ErrNotConfigured = errors.New("model storage location is not configured")
	ErrUnreachable   = errors.New("model storage location is not reachable")
)

// Gate checks that a storage location is configured and currently exists.
type Gate struct {
	modelsDir string
	exists    func(string) bool
}

// New creates a Gate for the configured models directory.
func New(modelsDir string) *Gate {
	return &Gate{modelsDir: modelsDir, exists: drives.PathExists}
}

// NewWithExists creates a Gate with an injected existence check. Tests use
// this to simulate an unplugged drive.
func NewWithExists(modelsDir string, exists func(string) bool) *Gate {
	return &Gate{modelsDir: modelsDir, exists: exists}
}

// Check must be called synchronously before launching any operation of the
// given kind. It returns nil when the operation may start, ErrNotConfigured
// when no storage location is set, and ErrUnreachable when the configured
// location does not currently exist.
func (g *Gate) Check(kind ops.Kind) error {
	switch kind {
	case ops.KindDownload, ops.KindChat:
	default:
		return fmt.Errorf("unknown operation kind %q", kind)
	}

	if g.modelsDir == "" {
		return ErrNotConfigured
	}
	if !g.exists(g.modelsDir) {
		return fmt.Errorf("%w: %s", ErrUnreachable, g.modelsDir)
	}
	return nil
}

// ModelsDir returns the configured storage location ("" when unset).
func (g *Gate) ModelsDir() string {
	return g.modelsDir
}
