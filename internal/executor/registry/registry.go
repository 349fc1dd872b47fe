// Package registry is the single source of truth for executable languages.
// All language-specific behavior lives in this data; no other component
// branches on language identity.
package registry

import (
	"sort"

	appErr "codelab/pkg/errors"
)

// RunMode identifies how a language's toolchain turns source into a process.
type RunMode string

const (
	RunModeInterpret      RunMode = "interpret"
	RunModeCompileThenRun RunMode = "compile-then-run"
)

// LanguageSpec defines how to compile and run a language.
// Command templates support {src} and {bin} placeholders, expanded against
// the environment scratch directory before execution.
type LanguageSpec struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	Version       string  `yaml:"version"`
	RunMode       RunMode `yaml:"runMode"`
	SourceFile    string  `yaml:"sourceFile"`
	BinaryFile    string  `yaml:"binaryFile"`
	CompileCmdTpl string  `yaml:"compileCmdTpl"`
	RunCmdTpl     string  `yaml:"runCmdTpl"`
	// Image is the toolchain image identifier used by container backends.
	Image string   `yaml:"image"`
	Env   []string `yaml:"env"`
	// Multipliers scale the submission-wide resource defaults for slow
	// startup runtimes. Zero means no scaling.
	TimeMultiplier   float64 `yaml:"timeMultiplier"`
	MemoryMultiplier float64 `yaml:"memoryMultiplier"`
}

// Compiled reports whether the language needs a build step.
func (s LanguageSpec) Compiled() bool {
	return s.RunMode == RunModeCompileThenRun
}

// Registry maps a language identifier to its build/run recipe.
// Immutable after construction.
type Registry struct {
	languages map[string]LanguageSpec
}

// New creates a registry from a list of language specs. Entries without an
// ID are dropped; a later entry with the same ID overrides an earlier one,
// which lets config extend or replace the built-in defaults.
func New(specs []LanguageSpec) *Registry {
	langMap := make(map[string]LanguageSpec, len(specs))
	for _, lang := range specs {
		if lang.ID == "" {
			continue
		}
		langMap[lang.ID] = lang
	}
	return &Registry{languages: langMap}
}

// Resolve returns the spec for a language identifier.
func (r *Registry) Resolve(language string) (LanguageSpec, error) {
	if language == "" {
		return LanguageSpec{}, appErr.ValidationError("language", "required")
	}
	lang, ok := r.languages[language]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.UnsupportedLanguage, "unsupported language: %s", language)
	}
	return lang, nil
}

// Languages returns the sorted identifiers of all executable languages.
func (r *Registry) Languages() []string {
	ids := make([]string, 0, len(r.languages))
	for id := range r.languages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Defaults returns the built-in language table.
func Defaults() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:         "python",
			Name:       "Python",
			Version:    "3.11",
			RunMode:    RunModeInterpret,
			SourceFile: "script.py",
			RunCmdTpl:  "python3 {src}",
			Image:      "python:3.11-slim",
			Env:        []string{"PYTHONUNBUFFERED=1", "PYTHONDONTWRITEBYTECODE=1"},
		},
		{
			ID:            "c",
			Name:          "C",
			Version:       "gnu17",
			RunMode:       RunModeCompileThenRun,
			SourceFile:    "program.c",
			BinaryFile:    "program",
			CompileCmdTpl: "gcc -O2 -o {bin} {src}",
			RunCmdTpl:     "{bin}",
			Image:         "gcc:latest",
		},
		{
			ID:            "cpp",
			Name:          "C++",
			Version:       "gnu++17",
			RunMode:       RunModeCompileThenRun,
			SourceFile:    "program.cpp",
			BinaryFile:    "program",
			CompileCmdTpl: "g++ -O2 -o {bin} {src}",
			RunCmdTpl:     "{bin}",
			Image:         "gcc:latest",
		},
		{
			ID:               "java",
			Name:             "Java",
			Version:          "17",
			RunMode:          RunModeCompileThenRun,
			SourceFile:       "Main.java",
			BinaryFile:       "Main.class",
			CompileCmdTpl:    "javac {src}",
			RunCmdTpl:        "java -cp . Main",
			Image:            "openjdk:17-slim",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
		},
	}
}
