package client

import (
	"strings"
	"unicode/utf8"

	"computer-quest/internal/terminal"
)

// PrefixKey introduces a local command. Pressing it twice sends it to the
// game.
const PrefixKey = '\x1d' // Ctrl-]

// Command is a local action bound to PrefixKey followed by one key.
type Command rune

const (
	CommandStart     Command = 's'
	CommandToggleMap Command = 'm'
	CommandQuit      Command = 'q'
)

// keyFilter strips prefix sequences out of the surface's data before it
// reaches the bridge and hands each recognized command to run.
type keyFilter struct {
	terminal.Surface
	run     func(Command)
	pending bool
}

func (k *keyFilter) OnData(fn func(string)) func() {
	return k.Surface.OnData(func(data string) {
		if out := k.filter(data); out != "" {
			fn(out)
		}
	})
}

// filter works on bytes so input that is not valid UTF-8 passes through
// unchanged. A key after the prefix that is not a command is dropped whole.
func (k *keyFilter) filter(data string) string {
	if !k.pending && strings.IndexByte(data, PrefixKey) < 0 {
		return data
	}

	var b strings.Builder
	for i := 0; i < len(data); {
		c := data[i]
		if k.pending {
			k.pending = false
			switch c {
			case PrefixKey:
				b.WriteByte(c)
			case byte(CommandStart), byte(CommandToggleMap), byte(CommandQuit):
				k.run(Command(c))
			default:
				_, size := utf8.DecodeRuneInString(data[i:])
				i += size
				continue
			}
			i++
			continue
		}
		if c == PrefixKey {
			k.pending = true
		} else {
			b.WriteByte(c)
		}
		i++
	}
	return b.String()
}
