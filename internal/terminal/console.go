package terminal

import (
	"errors"
	"io"
	"os"

	"computer-quest/internal/runeio"
	"computer-quest/internal/transport"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const readBufferSize = 1024

// Console is a Surface over the process's own terminal. Raw mode and size
// queries apply only when the input is a TTY; otherwise it runs headless
// with a fixed geometry.
type Console struct {
	in   io.Reader
	out  io.Writer
	post transport.Poster

	fd    int
	isTTY bool
	saved *term.State

	size Geometry
	subs map[int]func(string)
	next int
}

// NewConsole wraps in and out. Input callbacks are delivered via post.
func NewConsole(in io.Reader, out io.Writer, post transport.Poster) *Console {
	c := &Console{
		in:   in,
		out:  out,
		post: post,
		fd:   -1,
		size: DefaultGeometry,
		subs: make(map[int]func(string)),
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd = int(f.Fd())
		c.isTTY = true
	}
	return c
}

// IsTerminal reports whether the console drives a real TTY.
func (c *Console) IsTerminal() bool {
	return c.isTTY
}

// MakeRaw puts the TTY in raw mode. It is a no-op when headless.
func (c *Console) MakeRaw() error {
	if !c.isTTY || c.saved != nil {
		return nil
	}
	st, err := term.MakeRaw(c.fd)
	if err != nil {
		return err
	}
	c.saved = st
	return nil
}

// Restore undoes MakeRaw.
func (c *Console) Restore() error {
	if c.saved == nil {
		return nil
	}
	err := term.Restore(c.fd, c.saved)
	c.saved = nil
	return err
}

func (c *Console) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

// Clear erases the screen and homes the cursor.
func (c *Console) Clear() error {
	_, err := io.WriteString(c.out, ansi.EraseEntireScreen+ansi.CursorHomePosition)
	return err
}

func (c *Console) Size() Geometry {
	return c.size
}

// SetSize fixes the headless geometry. On a TTY the next Fit overrides it.
func (c *Console) SetSize(g Geometry) {
	if g.Valid() {
		c.size = g
	}
}

// Fit measures the TTY. Headless consoles keep their current size.
func (c *Console) Fit() (Geometry, error) {
	if !c.isTTY {
		return c.size, nil
	}
	cols, rows, err := term.GetSize(c.fd)
	if err != nil {
		return c.size, err
	}
	g := Geometry{Rows: rows, Cols: cols}
	if g.Valid() {
		c.size = g
	}
	return c.size, nil
}

func (c *Console) OnData(fn func(data string)) func() {
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() { delete(c.subs, id) }
}

// Feed delivers data to subscribers as if it had been typed. It runs on
// the calling goroutine.
func (c *Console) Feed(data string) {
	for _, fn := range c.subs {
		fn(data)
	}
}

// ReadLoop reads input until the reader fails and posts each chunk to the
// loop. A multi-byte sequence split across reads is held back until it is
// complete. It returns nil on EOF. The read cannot be interrupted, so
// callers run it on its own goroutine and do not wait for it.
func (c *Console) ReadLoop() error {
	buf := make([]byte, readBufferSize)
	carry := 0
	for {
		n, err := c.in.Read(buf[carry:])
		if n > 0 {
			complete, rest := runeio.Split(buf[:carry+n])
			if len(complete) > 0 && !c.emit(string(complete)) {
				return nil
			}
			carry = copy(buf, rest)
		}
		if err != nil {
			// Whatever is left can no longer be completed.
			if carry > 0 {
				c.emit(string(buf[:carry]))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Console) emit(data string) bool {
	return c.post(func() { c.Feed(data) })
}
