package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/pageclone/clone"
	"github.com/hazyhaar/pageclone/generate"
	"github.com/hazyhaar/pageclone/guard"
	"github.com/hazyhaar/pageclone/kit"
)

var (
	cloneFormat     string
	cloneFidelity   string
	cloneComponents string
	cloneOut        string
	cloneRender     string
	cloneTimeout    time.Duration
)

var cloneCmd = &cobra.Command{
	Use:   "clone <url>",
	Short: "Fetch a page and write the generated components to disk",
	Long: `Fetch one page, analyze it and write the generated components.

When no allowed origin is configured, the origin of <url> is used.

Examples:
  # React components at high fidelity into ./out
  pageclone clone https://example.com/ --format react --fidelity high --out out

  # Print the artifact as JSON instead of writing files
  pageclone clone https://example.com/ --format html --out ""`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		origin, err := guard.Normalize(target)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(origin)
		if err != nil {
			return err
		}
		genCfg, err := generate.ParseConfig(cloneFormat, cloneFidelity, cloneComponents)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel)

		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		a, err := newApp(cfg, db, logger)
		if err != nil {
			return err
		}
		defer a.fetcher.Close()

		ctx := kit.WithTransport(cmd.Context(), "cli")
		res, err := a.svc.Clone(ctx, target, genCfg, clone.FetchOptions{
			TimeoutMs: int(cloneTimeout.Milliseconds()),
			Render:    cloneRender,
		})
		if err != nil {
			_, _, msg := clone.Classify(err)
			return fmt.Errorf("clone %s: %s", target, msg)
		}

		if cloneOut == "" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res.Artifact)
		}
		n, err := writeArtifact(cloneOut, res.Artifact)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files to %s (entry %s, fingerprint %s)\n",
			n, cloneOut, res.Artifact.Entry, short(res.Artifact.Fingerprint))
		return nil
	},
}

func init() {
	f := cloneCmd.Flags()
	f.StringVar(&cloneFormat, "format", "react", "output format: react, vue or html")
	f.StringVar(&cloneFidelity, "fidelity", "medium", "fidelity: low, medium or high")
	f.StringVar(&cloneComponents, "components", "partial", "componentization: none, partial or full")
	f.StringVarP(&cloneOut, "out", "o", "out", `output directory; "" prints the artifact as JSON`)
	f.StringVar(&cloneRender, "render", "auto", "headless rendering: auto, never or always")
	f.DurationVar(&cloneTimeout, "timeout", 0, "fetch timeout (0 uses the configured one)")
}

// writeArtifact writes every file of a under dir and returns how many.
func writeArtifact(dir string, a *generate.Artifact) (int, error) {
	files := a.Files()
	for _, f := range files {
		path, err := guard.SafePath(dir, f.Path)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
