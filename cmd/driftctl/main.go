package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/adaptml/driftpatch/internal/api"
	"github.com/adaptml/driftpatch/internal/export"
	"github.com/adaptml/driftpatch/internal/fix"
	"github.com/adaptml/driftpatch/internal/monitor"
	"github.com/adaptml/driftpatch/internal/store"
)

var (
	// Global flags
	storePath    string
	inferenceDir string
	exportDir    string
	verbose      bool

	// analyze/apply flags
	modelFile string
	applyAll  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftctl",
		Short: "One-shot drift diagnosis and patching for deployed models",
		Long: `driftctl runs the fix workflow against local artifacts: analyze a model's
inference windows for drift, review validated patch candidates, apply the
chosen ones, and export the patched configuration.`,
	}

	rootCmd.PersistentFlags().StringVarP(&storePath, "store", "s", "driftctl-store.json", "Store snapshot file")
	rootCmd.PersistentFlags().StringVarP(&inferenceDir, "inference-dir", "i", "data/inference", "Inference log directory ({model}/reference.json, {model}/current.json)")
	rootCmd.PersistentFlags().StringVarP(&exportDir, "export-dir", "e", "data/export", "Export artifact directory")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newSession() (*fix.Orchestrator, store.Store, error) {
	st := store.NewMemoryStore(storePath)
	params := api.DefaultMonitorParams()
	mgr := store.NewSnapshotManager(st, nil, nil, params)
	src := monitor.NewFileSource(inferenceDir)

	exporter, err := export.NewWriter(exportDir)
	if err != nil {
		return nil, nil, err
	}
	return fix.NewOrchestrator(st, mgr, src, exporter, params), st, nil
}

// analyzeCmd diagnoses one model and prints its candidates
func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <model-id>",
		Short: "Analyze a model's windows for drift and synthesize patch candidates",
		Long: `Compares the model's reference and current inference windows, scores the
drift per feature, and generates patch candidates matched to the diagnosis.
Candidates are persisted in the store for a later 'driftctl apply'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			modelID := args[0]

			session, st, err := newSession()
			if err != nil {
				return err
			}
			defer st.Close()

			if modelFile != "" {
				if err := registerModel(ctx, st, modelFile); err != nil {
					return fmt.Errorf("failed to register model: %w", err)
				}
			}

			analysis, err := session.Analyze(ctx, modelID)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}

			r := analysis.Result
			fmt.Printf("=== Drift Analysis ===\n")
			fmt.Printf("Model:    %s\n", modelID)
			fmt.Printf("Score:    %.4f (%s)\n", r.Score, r.Severity)
			fmt.Printf("Type:     %s\n", r.Type)
			fmt.Printf("Detected: %v\n", r.Detected)
			fmt.Printf("\n")

			if verbose {
				for _, f := range r.Features {
					fmt.Printf("  %-20s psi=%.4f ks=%.4f p=%.4f drifted=%v\n",
						f.Feature, f.PSI, f.KSStatistic, f.KSPValue, f.IsDrifted)
				}
				fmt.Printf("\n")
			}

			if len(analysis.Candidates) == 0 {
				fmt.Println("No patch candidates.")
				return nil
			}

			fmt.Printf("=== Patch Candidates ===\n")
			for _, p := range analysis.Candidates {
				marker := " "
				if p.Recommended {
					marker = "*"
				}
				safety := "-"
				if p.Validation != nil {
					safety = fmt.Sprintf("%.3f", p.Validation.Metrics.SafetyScore)
				}
				fmt.Printf("%s %-22s %-10s safety=%s  %s\n", marker, p.Type, p.Status, safety, p.ID)
			}
			fmt.Printf("\nNext: 'driftctl apply <patch-id>' or 'driftctl apply --all %s'\n", modelID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "Model metadata JSON to register before analysis")
	return cmd
}

// applyCmd applies validated patches
func applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <patch-id>... | --all <model-id>",
		Short: "Apply validated patches to a model's preprocessing state",
		Long: `Applies the given patches, snapshotting state around each apply so every
patch is individually reversible. With --all, applies every validated
recommended candidate from the most recent analysis of the model.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			session, st, err := newSession()
			if err != nil {
				return err
			}
			defer st.Close()

			var applied []*api.Patch
			if applyAll {
				// args[0] is the model ID; re-analyze to build the session.
				if _, err := session.Analyze(ctx, args[0]); err != nil {
					return fmt.Errorf("analysis failed: %w", err)
				}
				applied, err = session.Apply(ctx)
			} else {
				mgr := store.NewSnapshotManager(st, nil, nil, api.DefaultMonitorParams())
				for _, id := range args {
					p, aerr := mgr.Apply(ctx, id)
					if aerr != nil {
						err = fmt.Errorf("applying %s: %w", id, aerr)
						break
					}
					applied = append(applied, p)
				}
			}
			for _, p := range applied {
				fmt.Printf("applied %s (%s) at %s\n", p.ID, p.Type, p.AppliedAt.Format(time.RFC3339))
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&applyAll, "all", false, "Apply all validated recommended candidates for a model")
	return cmd
}

// rollbackCmd reverses an applied patch
func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <patch-id>",
		Short: "Roll back an applied patch, restoring its pre-apply state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st := store.NewMemoryStore(storePath)
			defer st.Close()
			mgr := store.NewSnapshotManager(st, nil, nil, api.DefaultMonitorParams())

			p, err := mgr.Rollback(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("rolled back %s (%s) at %s\n", p.ID, p.Type, p.RolledBackAt.Format(time.RFC3339))
			return nil
		},
	}
}

// exportCmd writes patch documents for external review
func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <model-id>",
		Short: "Export a model's patches as JSON documents with content digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("model-id is required")
			}
			ctx := context.Background()

			st := store.NewMemoryStore(storePath)
			defer st.Close()
			exporter, err := export.NewWriter(exportDir)
			if err != nil {
				return err
			}

			patches, err := st.ListPatches(ctx, args[0])
			if err != nil {
				return err
			}
			if len(patches) == 0 {
				fmt.Println("No patches to export.")
				return nil
			}

			for _, p := range patches {
				path, digest, err := exporter.WritePatch(p)
				if err != nil {
					return fmt.Errorf("exporting %s: %w", p.ID, err)
				}
				fmt.Printf("%s  %s\n", digest[:12], filepath.Base(path))
			}
			return nil
		},
	}
}

// statusCmd lists a model's patches and their lifecycle states
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <model-id>",
		Short: "Show a model's patches and drift history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st := store.NewMemoryStore(storePath)
			defer st.Close()

			patches, err := st.ListPatches(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("=== Patches (%d) ===\n", len(patches))
			for _, p := range patches {
				fmt.Printf("%-22s %-12s created=%s\n", p.Type, p.Status, p.CreatedAt.Format(time.RFC3339))
			}

			results, err := st.ListDriftResults(ctx, args[0], time.Time{})
			if err != nil {
				return err
			}
			fmt.Printf("\n=== Drift Results (%d) ===\n", len(results))
			for _, r := range results {
				fmt.Printf("%s score=%.4f type=%-9s severity=%s\n",
					r.Timestamp.Format(time.RFC3339), r.Score, r.Type, r.Severity)
			}
			return nil
		},
	}
}

func registerModel(ctx context.Context, st store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var model api.Model
	if err := json.Unmarshal(data, &model); err != nil {
		return err
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := st.SaveModel(ctx, &model); err != nil {
		return err
	}
	if _, err := st.GetState(ctx, model.ID); err != nil {
		return st.SaveState(ctx, api.DefaultState(model.ID, len(model.Features)))
	}
	return nil
}
