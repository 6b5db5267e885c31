// Package resultstore holds tool payloads too large to inline in the
// transcript. Payloads are content-addressed by SHA-256, one file per
// payload, under the session's result directory.
package resultstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"clio.dev/session"
)

// InlineThreshold is the payload size above which results leave the
// transcript and land here.
const InlineThreshold = 8 * 1024

// PreviewBytes caps the head preview carried by the transcript reference.
const PreviewBytes = 512

// Store is one session's result directory.
type Store struct {
	dir string
}

// Open prepares the result directory, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Put stores payload and returns the transcript reference. Identical
// payloads share one file.
func (s *Store) Put(payload []byte, contentType string) (*session.ResultRef, error) {
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:])

	path := filepath.Join(s.dir, ref)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeFileAtomic(path, payload); err != nil {
			return nil, fmt.Errorf("store result %s: %w", ref, err)
		}
	}

	return &session.ResultRef{
		Ref:         ref,
		ByteLength:  len(payload),
		ContentType: contentType,
		HeadPreview: headPreview(payload),
	}, nil
}

// Get fetches a payload by its reference.
func (s *Store) Get(ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("invalid result ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("fetch result %s: %w", ref, err)
	}
	return data, nil
}

// Describe renders the one-line stand-in text placed in the transcript.
func Describe(ref *session.ResultRef) string {
	return fmt.Sprintf("[%s result stored as %s; use result_fetch to read it]\n%s",
		humanize.Bytes(uint64(ref.ByteLength)), ref.Ref[:12], ref.HeadPreview)
}

// validRef accepts exactly a lowercase hex SHA-256, which also rules out
// path traversal through the ref.
func validRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// headPreview takes the first PreviewBytes of payload, cut back to a utf8
// boundary so the preview is always valid text.
func headPreview(payload []byte) string {
	if len(payload) <= PreviewBytes {
		return string(payload)
	}
	head := payload[:PreviewBytes]
	for len(head) > 0 && !utf8.Valid(head) {
		head = head[:len(head)-1]
	}
	return string(head)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "put*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
