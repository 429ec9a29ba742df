package chrome

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEmptyCapabilities(t *testing.T) {
	data, err := json.Marshal(Capabilities{})
	if err != nil {
		t.Fatalf("json.Marshal(Capabilities{}) return error: %v", err)
	}
	got, want := string(data), `{}`
	if got != want {
		t.Fatalf("json.Marshal(Capabilities{}) = %q, want %q", got, want)
	}
}

func TestAddExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext.crx")
	if err := os.WriteFile(path, []byte("Cr24"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() returned error: %v", err)
	}
	var c Capabilities
	if err := c.AddExtension(path); err != nil {
		t.Fatalf("AddExtension(%q) returned error: %v", path, err)
	}
	if diff := cmp.Diff([]string{"Q3IyNA=="}, c.Extensions); diff != "" {
		t.Errorf("Extensions returned diff (-want/+got):\n%s", diff)
	}
	if err := c.AddExtension(filepath.Join(t.TempDir(), "missing.crx")); err == nil {
		t.Error("AddExtension(missing) returned nil error")
	}
}
