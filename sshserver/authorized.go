package sshserver

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
)

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. Blank lines and
// comments are skipped; a malformed entry fails the whole file.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("authorized keys path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized keys: %w", err)
	}
	return parseAuthorizedKeys(data)
}

func parseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	line := 0
	for len(data) > 0 {
		line++
		var rest []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data, rest = data[:i], data[i+1:]
		} else {
			rest = nil
		}
		entry := bytes.TrimSpace(data)
		data = rest
		if len(entry) == 0 || entry[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(entry)
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", line, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func keyAuthorized(keys []ssh.PublicKey, candidate gliderssh.PublicKey) bool {
	for _, key := range keys {
		if gliderssh.KeysEqual(key, candidate) {
			return true
		}
	}
	return false
}
