package registry_test

import (
	"strings"
	"testing"

	pkgerrors "codelab/pkg/errors"

	"codelab/internal/executor/registry"
)

func TestResolveKnownLanguage(t *testing.T) {
	reg := registry.New(registry.Defaults())

	lang, err := reg.Resolve("python")
	if err != nil {
		t.Fatalf("resolve python: %v", err)
	}
	if lang.RunMode != registry.RunModeInterpret {
		t.Fatalf("python run mode = %q, want interpret", lang.RunMode)
	}
	if lang.Compiled() {
		t.Fatalf("python should not need a build step")
	}
	if lang.SourceFile == "" || lang.RunCmdTpl == "" || lang.Image == "" {
		t.Fatalf("python spec incomplete: %+v", lang)
	}
}

func TestResolveUnknownLanguage(t *testing.T) {
	reg := registry.New(registry.Defaults())

	_, err := reg.Resolve("cobol")
	if err == nil {
		t.Fatalf("expected error for unknown language")
	}
	if code := pkgerrors.GetCode(err); code != pkgerrors.UnsupportedLanguage {
		t.Fatalf("error code = %d, want %d", code, pkgerrors.UnsupportedLanguage)
	}
	if !strings.Contains(err.Error(), "cobol") {
		t.Fatalf("error should name the language, got %q", err.Error())
	}
}

func TestResolveEmptyLanguage(t *testing.T) {
	reg := registry.New(registry.Defaults())
	if _, err := reg.Resolve(""); err == nil {
		t.Fatalf("expected error for empty language")
	}
}

func TestCompiledDefaultsAreComplete(t *testing.T) {
	for _, lang := range registry.Defaults() {
		if !lang.Compiled() {
			continue
		}
		if lang.CompileCmdTpl == "" {
			t.Fatalf("%s: compiled language without compile command", lang.ID)
		}
		if lang.BinaryFile == "" {
			t.Fatalf("%s: compiled language without binary file", lang.ID)
		}
	}
}

func TestLaterEntryOverridesEarlier(t *testing.T) {
	specs := append(registry.Defaults(), registry.LanguageSpec{
		ID:         "python",
		Name:       "Python",
		Version:    "3.12",
		RunMode:    registry.RunModeInterpret,
		SourceFile: "script.py",
		RunCmdTpl:  "python3 {src}",
		Image:      "python:3.12-slim",
	})
	reg := registry.New(specs)

	lang, err := reg.Resolve("python")
	if err != nil {
		t.Fatalf("resolve python: %v", err)
	}
	if lang.Version != "3.12" {
		t.Fatalf("version = %q, want override 3.12", lang.Version)
	}
}

func TestLanguagesSorted(t *testing.T) {
	reg := registry.New(registry.Defaults())

	ids := reg.Languages()
	if len(ids) == 0 {
		t.Fatalf("no languages registered")
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("languages not sorted: %v", ids)
		}
	}
}
