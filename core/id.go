package core

import (
	"crypto/rand"
	"encoding/hex"

	"pkt.systems/termpilot/schema"
)

func newSessionTag() schema.SessionTag {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "session-unknown"
	}
	return schema.SessionTag(hex.EncodeToString(buf[:]))
}
