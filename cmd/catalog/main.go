// Command catalog generates and inspects the condition catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/allocation-study/internal/catalog"
	"github.com/ashureev/allocation-study/internal/store"
)

var errSessionsExist = errors.New("sessions already reference the catalog; rerun with --force to replace it")

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:           "catalog",
		Short:         "Manage the study condition catalog",
		SilenceUsage:  true,
	}

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/study.db"
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "path to the SQLite database")

	root.AddCommand(newSeedCmd(&dbPath), newVerifyCmd(&dbPath))
	return root
}

func newSeedCmd(dbPath *string) *cobra.Command {
	var (
		definitionPath string
		seed           uint64
		force          bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate scenarios, sequences, returns and recommendations",
		Long: `Generate the condition catalog and replace whatever is stored.

Without --definition the built-in definition is used. A fixed --seed
reproduces the same fund returns and recommendations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := loadDefinition(definitionPath)
			if err != nil {
				return err
			}

			return withStore(*dbPath, func(repo *store.SQLiteStore) error {
				ctx := cmd.Context()
				if !force {
					existing, err := repo.ListAssignments(ctx)
					if err != nil {
						return err
					}
					if len(existing) > 0 {
						return errSessionsExist
					}
				}

				generated, err := catalog.Seed(ctx, repo, def, seed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d scenarios, %d sequences\n",
					len(generated.Scenarios), len(generated.Sequences))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&definitionPath, "definition", "", "YAML catalog definition (defaults to the built-in one)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed; 0 picks one")
	cmd.Flags().BoolVar(&force, "force", false, "replace the catalog even if sessions exist")
	return cmd
}

func newVerifyCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Print catalog row counts and validate the stored catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(*dbPath, func(repo *store.SQLiteStore) error {
				ctx := cmd.Context()
				counts, err := repo.CountCatalog(ctx)
				if err != nil {
					return err
				}
				printCounts(cmd.OutOrStdout(), counts)

				cat, err := catalog.Load(ctx, repo)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d scenarios, %d sequences\n",
					len(cat.Scenarios()), len(cat.Sequences()))
				return nil
			})
		},
	}
}

func loadDefinition(path string) (*catalog.Definition, error) {
	if path == "" {
		return catalog.DefaultDefinition()
	}
	return catalog.LoadDefinition(path)
}

func withStore(dbPath string, fn func(*store.SQLiteStore) error) error {
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	return fn(repo)
}

func printCounts(w io.Writer, counts *store.CatalogCounts) {
	fmt.Fprintf(w, "scenarios: %d\nsequences: %d\n", counts.Scenarios, counts.Sequences)

	names := make([]string, 0, len(counts.Returns))
	for name := range counts.Returns {
		names = append(names, name)
	}
	for name := range counts.Recommendations {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %d returns, %d recommendations\n",
			name, counts.Returns[name], counts.Recommendations[name])
	}
}

// executeContext runs the root command with args; used by tests.
func executeContext(ctx context.Context, out io.Writer, args ...string) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
