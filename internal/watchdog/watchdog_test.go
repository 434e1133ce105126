package watchdog

import (
	"os"
	"testing"
)

func TestOpenWithEmptyPathIsNoop(t *testing.T) {
	w, err := Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	if err := w.Feed(); err != nil {
		t.Fatalf("Feed on deviceless watchdog returned an error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close on deviceless watchdog returned an error: %v", err)
	}
}

func TestOpenMissingDevicePathFails(t *testing.T) {
	if _, err := Open("/nonexistent/path/to/a/watchdog/device"); err == nil {
		t.Fatalf("Open with a nonexistent device path should fail")
	}
}

func TestFeedWritesToDevice(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/watchdog0"
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating fake device file: %v", err)
	}
	f.Close()

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()
	if err := w.Feed(); err != nil {
		t.Fatalf("Feed: %v", err)
	}
}
