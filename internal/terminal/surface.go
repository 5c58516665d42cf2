// Package terminal bridges a local terminal surface to the game's PTY on
// the server: keystrokes out as terminal_input, terminal_output in as
// surface writes, and geometry changes out as resize.
package terminal

import (
	"fmt"
	"io"
)

// Geometry is the viewport size in character cells.
type Geometry struct {
	Rows int
	Cols int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Rows, g.Cols)
}

// Valid reports whether both dimensions are positive.
func (g Geometry) Valid() bool {
	return g.Rows > 0 && g.Cols > 0
}

// DefaultGeometry is used when the container size cannot be measured.
var DefaultGeometry = Geometry{Rows: 24, Cols: 80}

// Surface is a terminal emulation widget owned by the Bridge: it renders
// bytes, can be cleared, reports its size, can refit itself to its
// container, and emits the user's typed or pasted data.
type Surface interface {
	io.Writer
	Clear() error
	Size() Geometry
	Fit() (Geometry, error)
	OnData(fn func(data string)) (cancel func())
}
