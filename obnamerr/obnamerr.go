// Package obnamerr defines the repository's structured error kinds.
//
// Each kind is a distinct Go type carrying the fields needed to render a
// human-readable message, plus a stable id computed from the type's own
// identity so instances are greppable in logs regardless of the message
// text — the same contract as the original implementation's
// StructuredError.ID (obnamlib/structurederror.py).
package obnamerr

import (
	"crypto/md5"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// id computes the R<5 hex digits>X tag for an error kind, derived from
// its Go type name. The R/X bookends make the tag easy to grep for in
// large log files without false hits on bare hex sequences.
func id(v any) string {
	name := reflect.TypeOf(v).String()
	sum := md5.Sum([]byte(name))
	return "R" + fmt.Sprintf("%X", sum[0:3])[:5] + "X"
}

// LockFail reports that a repository lock could not be acquired because
// it is already held.
type LockFail struct {
	LockName string
}

func (e LockFail) Error() string {
	return fmt.Sprintf("%s: lock %q is already held", id(e), e.LockName)
}

// BagIDNotSet reports an append onto a bag that has no id yet.
type BagIDNotSet struct{}

func (e BagIDNotSet) Error() string {
	return fmt.Sprintf("%s: bag has no id", id(e))
}

// ChunkDoesNotExist reports a lookup for chunk content that is not
// present in the chunk store.
type ChunkDoesNotExist struct {
	ChunkID string
}

func (e ChunkDoesNotExist) Error() string {
	return fmt.Sprintf("%s: chunk %s does not exist", id(e), e.ChunkID)
}

// ChunkContentNotInIndexes reports that no chunk id is indexed under a
// requested fingerprint.
type ChunkContentNotInIndexes struct {
	Token string
}

func (e ChunkContentNotInIndexes) Error() string {
	return fmt.Sprintf("%s: no chunk indexed under token %s", id(e), e.Token)
}

// ClientDoesNotExist reports an operation against an unknown client.
type ClientDoesNotExist struct {
	ClientName string
}

func (e ClientDoesNotExist) Error() string {
	return fmt.Sprintf("%s: client %q does not exist", id(e), e.ClientName)
}

// ClientAlreadyExists reports an attempt to add a client that is
// already in the client list.
type ClientAlreadyExists struct {
	ClientName string
}

func (e ClientAlreadyExists) Error() string {
	return fmt.Sprintf("%s: client %q already exists", id(e), e.ClientName)
}

// GenerationDoesNotExist reports an unresolvable generation spec.
type GenerationDoesNotExist struct {
	ClientName string
	GenSpec    string
}

func (e GenerationDoesNotExist) Error() string {
	return fmt.Sprintf("%s: client %q has no generation %q", id(e), e.ClientName, e.GenSpec)
}

// ClientKeyNotAllowed reports use of a client key the current
// repository format does not support.
type ClientKeyNotAllowed struct {
	ClientName string
	KeyName    string
}

func (e ClientKeyNotAllowed) Error() string {
	return fmt.Sprintf("%s: client key %q not allowed for client %q", id(e), e.KeyName, e.ClientName)
}

// BadFormatVersion reports a repository whose on-disk format tag does
// not match this implementation's.
type BadFormatVersion struct {
	Found string
	Want  string
}

func (e BadFormatVersion) Error() string {
	return fmt.Sprintf("%s: repository format %q, want %q", id(e), e.Found, e.Want)
}

// ToplevelIsFile reports that a repository toplevel directory name is
// occupied by a plain file.
type ToplevelIsFile struct {
	Path string
}

func (e ToplevelIsFile) Error() string {
	return fmt.Sprintf("%s: %q exists and is a file, not a directory", id(e), e.Path)
}

// IOError wraps an underlying FS/system error with the filename and
// errno-like detail that made it fail.
type IOError struct {
	Filename string
	Errno    int
	Strerror string
	Cause    error
}

func (e IOError) Error() string {
	return fmt.Sprintf("%s: %s: %s", id(e), e.Filename, e.Strerror)
}

func (e IOError) Unwrap() error { return e.Cause }

// GpgError reports a failure from the external gpg process used by the
// asymmetric encryption filter.
type GpgError struct {
	Detail string
}

func (e GpgError) Error() string {
	return fmt.Sprintf("%s: gpg: %s", id(e), e.Detail)
}

// Wrap annotates err with a message, using github.com/pkg/errors so a
// %+v format on the result gives a stack-annotated trace through the
// storage layers.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
