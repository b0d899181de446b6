package sshserver

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// authorizedKeys is an OpenSSH authorized_keys file, reloaded when its
// modification time or size changes.
type authorizedKeys struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	keys    [][]byte
}

func newAuthorizedKeys(path string) *authorizedKeys {
	return &authorizedKeys{path: path}
}

// Allowed reports whether key is listed. Read errors deny.
func (a *authorizedKeys) Allowed(key ssh.PublicKey) (bool, error) {
	if key == nil {
		return false, nil
	}
	keys, err := a.current()
	if err != nil {
		return false, err
	}
	wire := key.Marshal()
	for _, candidate := range keys {
		if bytes.Equal(candidate, wire) {
			return true, nil
		}
	}
	return false, nil
}

func (a *authorizedKeys) current() ([][]byte, error) {
	info, err := os.Stat(a.path)
	if err != nil {
		return nil, fmt.Errorf("stat authorized keys: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keys != nil && info.ModTime().Equal(a.modTime) && info.Size() == a.size {
		return a.keys, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	keys, err := parseAuthorizedKeys(data)
	if err != nil {
		return nil, err
	}
	a.keys = keys
	a.modTime = info.ModTime()
	a.size = info.Size()
	return keys, nil
}

// parseAuthorizedKeys returns the wire form of every key in data. Comment
// and blank lines are skipped; a malformed line fails the whole file.
func parseAuthorizedKeys(data []byte) ([][]byte, error) {
	keys := [][]byte{}
	for i, raw := range bytes.Split(data, []byte("\n")) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("parse authorized keys line %d: %w", i+1, err)
		}
		keys = append(keys, key.Marshal())
	}
	return keys, nil
}
