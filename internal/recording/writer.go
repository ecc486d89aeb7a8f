// Package recording writes a call's raw audio to local scratch space and,
// when the call ends, turns it into uploaded artifacts.
package recording

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.]`)

// SanitizeFilename makes a client-supplied call id safe to use as a file
// name and object key: every character outside [A-Za-z0-9_.] becomes '_',
// then leading and trailing underscores are trimmed.
func SanitizeFilename(name string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
}

// Writer is an append-only sink for one call's raw PCM. It counts every
// byte written so the WAV header can declare the exact data length.
type Writer struct {
	path   string
	f      *os.File
	size   int64
	closed bool
}

// Create opens a new raw recording file for callID under dir. A random
// suffix keeps concurrent calls that sanitize to the same name apart.
func Create(dir, callID string) (*Writer, error) {
	base := SanitizeFilename(callID)
	if base == "" {
		base = "call"
	}
	f, err := os.CreateTemp(dir, base+"-*.raw")
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	return &Writer{path: f.Name(), f: f}, nil
}

// Write appends p and advances the byte counter by the bytes actually
// written.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size
}

// Path returns the local file path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the file. Idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

// Remove closes and deletes the local file.
func (w *Writer) Remove() error {
	_ = w.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
