package bytesource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func newTestDir(t *testing.T) (*Dir, string) {
	t.Helper()
	path := t.TempDir()
	d, err := NewDir(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, path
}

func TestDir_ReadWrite(t *testing.T) {
	d, path := newTestDir(t)
	ctx := context.Background()

	if err := d.WriteFile(ctx, "hello.txt", []byte("hi there")); err != nil {
		t.Fatal(err)
	}
	onDisk, err := os.ReadFile(filepath.Join(path, "hello.txt"))
	if err != nil || string(onDisk) != "hi there" {
		t.Fatalf("on disk: %q, %v", onDisk, err)
	}

	data, err := d.ReadFile(ctx, "hello.txt")
	if err != nil || string(data) != "hi there" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}
	if data, err := d.ReadFile(ctx, "/hello.txt"); err != nil || string(data) != "hi there" {
		t.Errorf("leading slash: %q, %v", data, err)
	}

	if err := d.WriteFile(ctx, "hello.txt", []byte("replaced")); err != nil {
		t.Fatal(err)
	}
	if data, _ := d.ReadFile(ctx, "hello.txt"); string(data) != "replaced" {
		t.Errorf("after overwrite: %q", data)
	}
}

func TestDir_NotFound(t *testing.T) {
	d, _ := newTestDir(t)
	_, err := d.ReadFile(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDir_IOError(t *testing.T) {
	d, path := newTestDir(t)
	if err := os.Mkdir(filepath.Join(path, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := d.ReadFile(context.Background(), "sub")
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "read" || ioErr.Name != "sub" {
		t.Errorf("reading a directory: %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("a directory is not a missing entry")
	}
}

func TestDir_RejectsEscapes(t *testing.T) {
	parent := t.TempDir()
	inner := filepath.Join(parent, "inner")
	if err := os.Mkdir(inner, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(parent, "secret"), []byte("x"), 0o644)

	d, err := NewDir(inner)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	ctx := context.Background()
	for _, name := range []string{"", ".", "../secret", "a/../../secret", "//etc/passwd", "a\\..\\secret/.."} {
		if _, err := d.ReadFile(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ReadFile(%q) = %v, want ErrInvalidName", name, err)
		}
		if err := d.WriteFile(ctx, name, nil); !errors.Is(err, ErrInvalidName) {
			t.Errorf("WriteFile(%q) = %v, want ErrInvalidName", name, err)
		}
	}

	if runtime.GOOS != "windows" {
		if err := os.Symlink(filepath.Join(parent, "secret"), filepath.Join(inner, "link")); err != nil {
			t.Fatal(err)
		}
		if _, err := d.ReadFile(ctx, "link"); err == nil {
			t.Error("symlink escaping the root was followed")
		}
	}
}

func TestDir_ContextCancelled(t *testing.T) {
	d, _ := newTestDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.ReadFile(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestNewDir_Missing(t *testing.T) {
	if _, err := NewDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("NewDir on a missing directory succeeded")
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"file.txt", true},
		{"/file.txt", true},
		{"dir/file.txt", true},
		{"", false},
		{"/", false},
		{"../x", false},
		{"dir/", false},
		{"a//b", false},
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.want {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
