package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "users/user_1.json", want: "users/user_1.json"},
		{in: "/users//user_1.json", want: "users/user_1.json"},
		{in: `users\user_1.json`, want: "users/user_1.json"},
		{in: "./a/../b.json", want: "b.json"},
		{in: "../escape", wantErr: true},
		{in: "..", wantErr: true},
		{in: "   ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sanitizeKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestWriteReadList(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}

	if _, err := s.Read(ctx, "users/user_1.json"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Read missing error = %v, want ErrNotExist", err)
	}

	key, err := s.Write(ctx, "users/user_1.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if key != "users/user_1.json" {
		t.Fatalf("key = %q", key)
	}
	if _, err := s.Write(ctx, "users/user_1.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}
	data, err := s.Read(ctx, key)
	if err != nil || string(data) != `{"a":2}` {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if _, err := s.Write(ctx, "users/user_2.json", []byte(`{}`)); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "users", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	keys, err := s.List("users", ".json")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "users/user_1.json" || keys[1] != "users/user_2.json" {
		t.Fatalf("List = %v", keys)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "users"))
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != "notes.txt" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteCanceled(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Write(ctx, "k", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
