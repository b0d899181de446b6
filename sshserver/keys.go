package sshserver

import (
	"bufio"
	"io"
)

type keyKind int

const (
	keyOther keyKind = iota
	keyQuit
	keyRedraw
)

// readKeys classifies viewer input. Escape sequences are consumed whole so
// their final bytes never read as commands.
func readKeys(r io.Reader, out chan<- keyKind) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case 0x1b:
			if err := skipEscape(br); err != nil {
				return
			}
			continue
		case 'q', 'Q', 0x03, 0x04:
			out <- keyQuit
		case 'r', 'R', 0x0c:
			out <- keyRedraw
		default:
			out <- keyOther
		}
	}
}

func skipEscape(br *bufio.Reader) error {
	if br.Buffered() == 0 {
		return nil
	}
	b, err := br.ReadByte()
	if err != nil {
		return err
	}
	if b != '[' && b != 'O' {
		return nil
	}
	for i := 0; i < 16; i++ {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		if b >= 0x40 && b <= 0x7e {
			return nil
		}
	}
	return nil
}
