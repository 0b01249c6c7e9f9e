package course

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/felixgeelhaar/escape/internal/domain"
)

const validDay = `day: 1
title: The Cell
description: Hello {name}
code_letter: L
tasks:
  - number: 1
    kind: choice
    title: Greeting
    prompt: Say hello
    options:
      - {id: A, label: "Hello"}
      - {id: B, label: "Bye"}
    correct: A
  - number: 3
    kind: voice
    title: Name
    phrase: my name is
  - number: 4
    kind: dialog
    title: Chat
    block: chat
    steps:
      - prompt: "How are you?"
        options:
          - {id: A, label: "Fine"}
          - {id: B, label: "Five"}
        correct: A
`

func oneDayFS(day string) fstest.MapFS {
	return fstest.MapFS{
		ManifestName:   {Data: []byte("title: Test\ncode: L\ndays: 1\n")},
		DayFileName(1): {Data: []byte(day)},
	}
}

func TestLoader_Load(t *testing.T) {
	catalog, err := NewLoader(oneDayFS(validDay)).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if catalog.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", catalog.Len())
	}
	if catalog.Title() != "Test" {
		t.Errorf("Title() = %q, want %q", catalog.Title(), "Test")
	}

	day, err := catalog.GetDay(1)
	if err != nil {
		t.Fatalf("GetDay(1) error = %v", err)
	}
	if len(day.Tasks) != 3 {
		t.Fatalf("len(Tasks) = %d, want 3", len(day.Tasks))
	}

	voice, ok := day.Tasks[1].Payload.(domain.VoicePayload)
	if !ok {
		t.Fatalf("task 3 payload = %T, want VoicePayload", day.Tasks[1].Payload)
	}
	if !voice.CaptureName {
		t.Error("CaptureName should default to true")
	}
	if len(voice.Variants) != 1 || voice.Variants[0] != "my name is" {
		t.Errorf("Variants = %v, want phrase as only variant", voice.Variants)
	}

	if day.Tasks[2].BlockID != "chat" {
		t.Errorf("BlockID = %q, want %q", day.Tasks[2].BlockID, "chat")
	}
}

func TestLoader_LoadFromDir(t *testing.T) {
	dir := t.TempDir()
	files := oneDayFS(validDay)
	for name, f := range files {
		if err := os.WriteFile(filepath.Join(dir, name), f.Data, 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	catalog, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if catalog.Code() != "L" {
		t.Errorf("Code() = %q, want %q", catalog.Code(), "L")
	}
}

func TestLoader_Load_Invalid(t *testing.T) {
	tests := []struct {
		name string
		day  string
		want string
	}{
		{
			name: "correct option not offered",
			day:  strings.Replace(validDay, "correct: A\n  - number: 3", "correct: Z\n  - number: 3", 1),
			want: "not offered",
		},
		{
			name: "task numbers not increasing",
			day:  strings.Replace(validDay, "number: 3", "number: 1", 1),
			want: "is not after",
		},
		{
			name: "unknown kind",
			day:  strings.Replace(validDay, "kind: voice", "kind: essay", 1),
			want: "Kind",
		},
		{
			name: "missing code letter",
			day:  strings.Replace(validDay, "code_letter: L\n", "", 1),
			want: "CodeLetter",
		},
		{
			name: "voice without phrase",
			day:  strings.Replace(validDay, "phrase: my name is", "phrase: \"\"", 1),
			want: "needs a phrase",
		},
		{
			name: "day number mismatch",
			day:  strings.Replace(validDay, "day: 1", "day: 2", 1),
			want: "declares day 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(oneDayFS(tt.day)).Load()
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !errors.Is(err, ErrInvalidCourse) {
				t.Errorf("error = %v, want ErrInvalidCourse", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoader_Load_CodeMismatch(t *testing.T) {
	fsys := oneDayFS(validDay)
	fsys[ManifestName] = &fstest.MapFile{Data: []byte("title: Test\ncode: X\ndays: 1\n")}

	if _, err := NewLoader(fsys).Load(); !errors.Is(err, ErrInvalidCourse) {
		t.Errorf("Load() error = %v, want ErrInvalidCourse", err)
	}
}

func TestLoader_Load_MissingDay(t *testing.T) {
	fsys := fstest.MapFS{
		ManifestName: {Data: []byte("title: Test\ncode: LI\ndays: 2\n")},
		DayFileName(1): {Data: []byte(validDay)},
	}

	if _, err := NewLoader(fsys).Load(); err == nil {
		t.Error("Load() should fail when a day file is missing")
	}
}
