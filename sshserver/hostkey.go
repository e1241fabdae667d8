package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// HostKey returns the signer stored at path, generating an ed25519 key on
// first use. created reports whether a new key was written. Keys readable
// by group or others are refused.
func HostKey(path string) (signer ssh.Signer, created bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false, errors.New("ssh host key path is required")
	}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			return nil, false, fmt.Errorf("host key %s has mode %#o; want 0600", path, perm)
		}
		signer, err = readHostKey(path)
		return signer, false, err
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("stat host key: %w", err)
	}

	signer, err = writeHostKey(path)
	if err != nil {
		return nil, false, err
	}
	return signer, true, nil
}

func writeHostKey(path string) (ssh.Signer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("host key dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "shellhost host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	// O_EXCL: a concurrent start that lost the race reads the winner's key.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return readHostKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("create host key: %w", err)
	}
	encErr := pem.Encode(file, block)
	closeErr := file.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func readHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}
