package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/conduit/internal/cache"
)

type fakeDownloader struct {
	calls int
	data  map[string]string
}

func (d *fakeDownloader) DownloadDriveFile(ctx context.Context, userID, fileID string) ([]byte, string, error) {
	d.calls++
	return []byte(d.data[fileID]), "text/plain", nil
}

func newTestResolver(t *testing.T) (*Resolver, *cache.Cache, *fakeDownloader) {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	dl := &fakeDownloader{data: map[string]string{"driveFile123": "drive content"}}
	return New(c, dl, "/api/preview/"), c, dl
}

func TestResolveCacheHandles(t *testing.T) {
	r, c, _ := newTestResolver(t)
	path, err := c.Put("report_1", "md", []byte("# report"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	want := "file://" + path

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"cache uri", "cache://report_1", want},
		{"bare id", "report_1", want},
		{"preview link", "https://example.com/api/preview/report_1", want},
		{"unknown bare id passes through", "AAPL", "AAPL"},
		{"traversal passes through untouched", "../../etc/passwd", "../../etc/passwd"},
		{"plain text passes through", "list files in drive", "list files in drive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ResolveString(context.Background(), "u1", tt.in); got != tt.want {
				t.Errorf("ResolveString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveDriveDownloadOnce(t *testing.T) {
	r, _, dl := newTestResolver(t)
	url := "https://drive.google.com/file/d/driveFile123/view"

	got := r.ResolveString(context.Background(), "u1", url)
	if !strings.HasPrefix(got, "file://") {
		t.Fatalf("ResolveString(drive) = %q, want file:// path", got)
	}
	if dl.calls != 1 {
		t.Errorf("download calls = %d, want 1", dl.calls)
	}

	// Second resolution is served from the cache.
	again := r.ResolveString(context.Background(), "u1", url)
	if again != got {
		t.Errorf("second resolution = %q, want %q", again, got)
	}
	if dl.calls != 1 {
		t.Errorf("download calls after second resolve = %d, want 1", dl.calls)
	}
}

func TestResolveArgsWalksNestedValues(t *testing.T) {
	r, c, _ := newTestResolver(t)
	path, _ := c.Put("doc9", "txt", []byte("x"))

	args := map[string]any{
		"file":  "cache://doc9",
		"count": float64(3),
		"nested": map[string]any{
			"uri": "doc9",
		},
		"list": []any{"doc9", "keep-me-as-is!"},
	}
	out := r.ResolveArgs(context.Background(), "u1", args)

	want := "file://" + path
	if out["file"] != want {
		t.Errorf("file = %v", out["file"])
	}
	if out["count"] != float64(3) {
		t.Errorf("count mutated: %v", out["count"])
	}
	if out["nested"].(map[string]any)["uri"] != want {
		t.Errorf("nested.uri = %v", out["nested"])
	}
	list := out["list"].([]any)
	if list[0] != want || list[1] != "keep-me-as-is!" {
		t.Errorf("list = %v", list)
	}
	// Original map untouched.
	if args["file"] != "cache://doc9" {
		t.Errorf("input args mutated: %v", args["file"])
	}
}
