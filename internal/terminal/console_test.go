package terminal

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"computer-quest/internal/transport"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncPost(fn func()) bool {
	fn()
	return true
}

func TestConsole_HeadlessGeometry(t *testing.T) {
	c := NewConsole(strings.NewReader(""), &bytes.Buffer{}, syncPost)
	assert.False(t, c.IsTerminal())
	assert.Equal(t, DefaultGeometry, c.Size())

	c.SetSize(Geometry{Rows: 30, Cols: 100})
	g, err := c.Fit()
	require.NoError(t, err)
	assert.Equal(t, Geometry{Rows: 30, Cols: 100}, g)

	c.SetSize(Geometry{Rows: 0, Cols: 10})
	assert.Equal(t, Geometry{Rows: 30, Cols: 100}, c.Size())

	require.NoError(t, c.MakeRaw())
	require.NoError(t, c.Restore())
}

func TestConsole_ReadLoopFeedsSubscribers(t *testing.T) {
	c := NewConsole(strings.NewReader("look\r"), &bytes.Buffer{}, syncPost)
	var got strings.Builder
	cancel := c.OnData(func(data string) { got.WriteString(data) })

	require.NoError(t, c.ReadLoop())
	assert.Equal(t, "look\r", got.String())

	cancel()
	c.Feed("ignored")
	assert.Equal(t, "look\r", got.String())
}

func TestConsole_ReadLoopStopsWhenLoopGone(t *testing.T) {
	c := NewConsole(strings.NewReader("abc"), &bytes.Buffer{}, func(func()) bool { return false })
	require.NoError(t, c.ReadLoop())
}

func TestConsole_ClearWritesEraseSequence(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader(""), &out, syncPost)

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, c.Clear())
	assert.Equal(t, "hello"+ansi.EraseEntireScreen+ansi.CursorHomePosition, out.String())
}

func TestConsole_ReadLoopKeepsSplitRunesWhole(t *testing.T) {
	typed := "é€😀 north"
	c := NewConsole(iotest.OneByteReader(strings.NewReader(typed)), &bytes.Buffer{}, syncPost)
	var chunks []string
	c.OnData(func(data string) { chunks = append(chunks, data) })

	require.NoError(t, c.ReadLoop())
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk %q splits a rune", chunk)
	}
	assert.Equal(t, typed, strings.Join(chunks, ""))
}

func TestConsole_ReadLoopFlushesTruncatedTail(t *testing.T) {
	euro := "€"
	c := NewConsole(strings.NewReader("a"+euro[:2]), &bytes.Buffer{}, syncPost)
	var got strings.Builder
	c.OnData(func(data string) { got.WriteString(data) })

	require.NoError(t, c.ReadLoop())
	assert.Equal(t, "a"+euro[:2], got.String())
}

func TestConsole_ReadLoopReturnsReadError(t *testing.T) {
	boom := errors.New("tty gone")
	c := NewConsole(iotest.ErrReader(boom), &bytes.Buffer{}, syncPost)
	assert.ErrorIs(t, c.ReadLoop(), boom)
}

func TestConsole_MultibyteInputReachesChannelIntact(t *testing.T) {
	ch := transport.NewMemory()
	ch.Connect()
	b := NewBridge(ch, &fakeGate{allowed: true}, nil)

	typed := "café ☕"
	c := NewConsole(iotest.OneByteReader(strings.NewReader(typed)), &bytes.Buffer{}, syncPost)
	b.Attach(c)

	require.NoError(t, c.ReadLoop())
	assert.Equal(t, typed, strings.Join(inputs(t, ch), ""))
}
