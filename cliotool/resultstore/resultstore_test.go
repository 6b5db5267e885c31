package resultstore

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results"))
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("line of output\n"), 1000)

	ref, err := s.Put(payload, "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ByteLength != len(payload) {
		t.Errorf("ByteLength = %d, want %d", ref.ByteLength, len(payload))
	}
	if len(ref.HeadPreview) > PreviewBytes {
		t.Errorf("preview %d bytes, cap is %d", len(ref.HeadPreview), PreviewBytes)
	}
	if !strings.HasPrefix(ref.HeadPreview, "line of output") {
		t.Errorf("preview should be the payload head: %q", ref.HeadPreview[:20])
	}

	got, err := s.Get(ref.Ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("fetched payload differs from stored payload")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Put([]byte("same"), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Put([]byte("same"), "")
	if err != nil {
		t.Fatal(err)
	}
	if a.Ref != b.Ref {
		t.Errorf("identical payloads got different refs: %s vs %s", a.Ref, b.Ref)
	}
}

func TestGetRejectsBadRefs(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{
		"",
		"../../../etc/passwd",
		"ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789", // uppercase
		strings.Repeat("0", 63),
	} {
		if _, err := s.Get(ref); err == nil {
			t.Errorf("Get(%q) accepted an invalid ref", ref)
		}
	}
}

func TestDescribe(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ref, err := s.Put(bytes.Repeat([]byte("x"), 100_000), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	desc := Describe(ref)
	if !strings.Contains(desc, "result_fetch") {
		t.Errorf("description should tell the model how to fetch: %q", desc)
	}
	if !strings.Contains(desc, ref.Ref[:12]) {
		t.Errorf("description should carry the ref prefix: %q", desc)
	}
}
