package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeInput(t *testing.T, lines []string) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(fname, []byte(strings.Join(lines, "\n")), 0666); err != nil {
		t.Fatalf("input file write failed: %s", err.Error())
	}
	return fname
}

func TestURLFileInput(t *testing.T) {

	fname := writeInput(t, []string{
		"http://img.test/a.png",
		"short", // below the minimal plausible url length
		"  http://img.test/b.png  ",
		"",
		"http://img.test/c.png",
	})

	input := NewURLFileInput(zerolog.Nop())
	if err := input.Start(context.Background(), fname); err != nil {
		t.Fatalf("input start failed: %s", err.Error())
	}

	var got []string
	for u := range input.Next() {
		got = append(got, u)
	}

	want := []string{"http://img.test/a.png", "http://img.test/b.png", "http://img.test/c.png"}
	if len(got) != len(want) {
		t.Fatalf("got %d urls, expected %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("case %d failed. Got: %s, expected: %s", i, got[i], want[i])
		}
	}
}

func TestURLFileInputMissingFile(t *testing.T) {

	input := NewURLFileInput(zerolog.Nop())
	if err := input.Start(context.Background(), filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestURLFileInputCancellation(t *testing.T) {

	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "http://img.test/some/image.png"
	}
	fname := writeInput(t, lines)

	input := NewURLFileInput(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := input.Start(ctx, fname); err != nil {
		t.Fatalf("input start failed: %s", err.Error())
	}

	n := 0
	for range input.Next() {
		n++
		if n == 10 {
			cancel()
			break
		}
	}
	for range input.Next() {
		n++
	}

	if n > len(lines)/2 {
		t.Errorf("cancellation ignored, %d urls passed", n)
	}
}
