package cache

import (
	"errors"
	"strings"
	"testing"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"abc123", true},
		{"a-b_c", true},
		{"6f1d2e3c", true},
		{"", false},
		{"../../etc/passwd", false},
		{"a/b", false},
		{"a.b", false},
		{"a b", false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.valid {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}

func TestPutAndRead(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := c.Put("doc1", "md", []byte("# hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(path, c.Root()) {
		t.Errorf("path %q not under root %q", path, c.Root())
	}

	data, ext, err := c.Read("doc1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "# hello" || ext != "md" {
		t.Errorf("Read = %q, %q", data, ext)
	}

	if _, err := c.PathFor("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PathFor(missing) = %v, want ErrNotFound", err)
	}
}

func TestTraversalRejected(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Put("../../etc/passwd", "", []byte("x")); err == nil {
		t.Error("Put with traversal id must fail")
	}
	if _, err := c.PathFor("../../etc/passwd"); err == nil {
		t.Error("PathFor with traversal id must fail")
	}
	if _, _, err := c.Read("../secret"); err == nil {
		t.Error("Read with traversal id must fail")
	}
}
