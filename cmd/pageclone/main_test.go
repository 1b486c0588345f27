package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/pageclone/generate"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "clone"} {
		if !names[name] {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestCloneCommand_Flags(t *testing.T) {
	want := map[string]string{
		"format":     "react",
		"fidelity":   "medium",
		"components": "partial",
		"render":     "auto",
		"out":        "out",
	}
	for name, def := range want {
		f := cloneCmd.Flags().Lookup(name)
		if f == nil {
			t.Errorf("--%s missing", name)
			continue
		}
		if f.DefValue != def {
			t.Errorf("--%s default = %q, want %q", name, f.DefValue, def)
		}
	}
}

func TestWriteTimeout_CoversLongestWait(t *testing.T) {
	// WHAT: the server write deadline outlasts any fetch a wait:true request can run.
	// WHY: a 2m timeoutMs under a 90s deadline would lose its response.
	tests := []struct {
		fetch, max, want time.Duration
	}{
		{30 * time.Second, 2 * time.Minute, 3 * time.Minute},
		{5 * time.Minute, 2 * time.Minute, 6 * time.Minute},
	}
	for _, tt := range tests {
		if got := writeTimeout(tt.fetch, tt.max); got != tt.want {
			t.Errorf("writeTimeout(%v, %v) = %v, want %v", tt.fetch, tt.max, got, tt.want)
		}
		if got := writeTimeout(tt.fetch, tt.max); got <= tt.max || got <= tt.fetch {
			t.Errorf("writeTimeout(%v, %v) = %v does not outlast the fetch", tt.fetch, tt.max, got)
		}
	}
}

func TestWriteArtifact(t *testing.T) {
	dir := t.TempDir()
	a := &generate.Artifact{
		Format: generate.FormatReact,
		Entry:  "App",
		Components: []generate.Component{
			{Name: "App", Source: "export default function App() {}\n", Children: []string{"Nav"}},
			{Name: "Nav", Source: "export default function Nav() {}\n", Style: ".nav-1 { color: red; }\n"},
		},
	}
	n, err := writeArtifact(dir, a)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("wrote %d files, want 3", n)
	}
	for _, name := range []string{"App.jsx", "Nav.jsx", "Nav.css"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(data) == 0 {
			t.Fatalf("%s is empty", name)
		}
	}
}

func TestWriteArtifact_RejectsTraversal(t *testing.T) {
	a := &generate.Artifact{
		Format:     generate.FormatHTML,
		Entry:      "Page",
		Components: []generate.Component{{Name: "../escape", Source: "<div></div>"}},
	}
	_, err := writeArtifact(t.TempDir(), a)
	if err == nil || !strings.Contains(err.Error(), "escape") {
		t.Fatalf("err = %v, want traversal error", err)
	}
}
