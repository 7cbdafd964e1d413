package media

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLocal(t *testing.T) (*Local, string) {
	dir := t.TempDir()
	return NewLocal(dir, "/uploads/", slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func TestLocal_RemoveAttachment(t *testing.T) {
	l, dir := newLocal(t)
	ctx := context.Background()

	file := filepath.Join(dir, "cat.png")
	if err := os.WriteFile(file, []byte("img"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := l.RemoveAttachment(ctx, "http://localhost:3000/uploads/cat.png"); err != nil {
		t.Fatalf("RemoveAttachment failed: %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("Expected file to be removed")
	}

	if err := l.RemoveAttachment(ctx, "/uploads/cat.png"); err != nil {
		t.Errorf("Missing file must not be an error, got %v", err)
	}
}

func TestLocal_Save(t *testing.T) {
	l, dir := newLocal(t)
	ctx := context.Background()

	att, err := l.Save(ctx, "my cat.png", "image/png", strings.NewReader("img"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if att.Kind != KindImage || !strings.HasPrefix(att.Ref, "/uploads/") || !strings.HasSuffix(att.Ref, "_my_cat.png") {
		t.Errorf("Unexpected attachment %+v", att)
	}
	data, err := os.ReadFile(filepath.Join(dir, fileName(att.Ref)))
	if err != nil || string(data) != "img" {
		t.Errorf("File content = %q, err = %v", data, err)
	}

	if _, err := l.Save(ctx, "../../evil.sh", "application/x-sh", strings.NewReader("x")); err != ErrUnsupportedType {
		t.Errorf("Expected ErrUnsupportedType, got %v", err)
	}

	att, err = l.Save(ctx, "../../escape.mp3", "audio/mpeg", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if strings.Contains(att.Ref, "..") || !strings.HasSuffix(att.Ref, "_escape.mp3") {
		t.Errorf("Path traversal not stripped: %s", att.Ref)
	}
}

// 同名上传各自独立，删除其中一个不影响另一个
func TestLocal_SameNameUploadsAreIndependent(t *testing.T) {
	l, dir := newLocal(t)
	ctx := context.Background()

	first, err := l.Save(ctx, "photo.png", "image/png", strings.NewReader("bob"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, err := l.Save(ctx, "photo.png", "image/png", strings.NewReader("carol"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if first.Ref == second.Ref {
		t.Fatalf("Same-named uploads share ref %s", first.Ref)
	}

	if err := l.RemoveAttachment(ctx, first.Ref); err != nil {
		t.Fatalf("RemoveAttachment failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName(first.Ref))); !os.IsNotExist(err) {
		t.Error("Expected first upload to be removed")
	}
	data, err := os.ReadFile(filepath.Join(dir, fileName(second.Ref)))
	if err != nil || string(data) != "carol" {
		t.Errorf("Second upload content = %q, err = %v", data, err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		contentType string
		want        Kind
		wantErr     bool
	}{
		{"image/jpeg", KindImage, false},
		{"video/mp4", KindVideo, false},
		{"audio/ogg", KindVoice, false},
		{"text/plain", "", true},
	}
	for _, tt := range tests {
		got, err := KindOf(tt.contentType)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("KindOf(%q) = %q, %v", tt.contentType, got, err)
		}
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"/uploads/a.png", "a.png"},
		{"http://host/uploads/b.jpg?x=1", "b.jpg"},
		{"../../etc/passwd", "passwd"},
		{"", ""},
		{"/", ""},
		{"..", ""},
	}
	for _, tt := range tests {
		if got := fileName(tt.ref); got != tt.want {
			t.Errorf("fileName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
