// Package crypt is the fsiface.Filter that implements symmetric
// repository encryption: a passphrase is stretched with scrypt into a
// key, and each blob is sealed independently with nacl/secretbox.
//
// The original implementation (encryption.py) shells out to gpg for
// asymmetric, multi-recipient encryption; that integration is out of
// scope here (see DESIGN.md). This filter covers the single-passphrase
// case the same hook point serves, built the way the rest of the
// pack's backup tools (restic-style) do local encryption: scrypt for
// key derivation, secretbox for authenticated encryption per blob.
package crypt

import (
	"crypto/rand"
	"io"

	"github.com/obnamgo/obnam/obnamerr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32
	nonceSize = 24
	saltSize  = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Filter seals and opens blobs with a key derived from a passphrase.
// Each sealed blob carries its own random salt and nonce, so a Filter
// built from the same passphrase can decrypt blobs written by another
// process without any shared state beyond the passphrase itself.
type Filter struct {
	passphrase []byte
}

// New returns a Filter that derives its key from passphrase anew for
// every blob (each blob has its own salt, so keys are never reused
// across blobs, at the cost of one scrypt run per operation).
func New(passphrase string) *Filter {
	return &Filter{passphrase: []byte(passphrase)}
}

func (f *Filter) deriveKey(salt []byte) (*[keySize]byte, error) {
	raw, err := scrypt.Key(f.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, obnamerr.Wrap(err, "filter/crypt: derive key")
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// FilterWrite seals data behind a fresh salt and nonce, laid out as
// salt || nonce || secretbox-sealed(data).
func (f *Filter) FilterWrite(data []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, obnamerr.Wrap(err, "filter/crypt: generate salt")
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, obnamerr.Wrap(err, "filter/crypt: generate nonce")
	}

	out := make([]byte, 0, saltSize+nonceSize+len(data)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, data, &nonce, key)
	return out, nil
}

// FilterRead reverses FilterWrite.
func (f *Filter) FilterRead(data []byte) ([]byte, error) {
	if len(data) < saltSize+nonceSize {
		return nil, errors.New("filter/crypt: sealed blob too short")
	}
	salt := data[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])
	sealed := data[saltSize+nonceSize:]

	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}

	out, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, errors.New("filter/crypt: authentication failed, wrong passphrase or corrupt data")
	}
	return out, nil
}
