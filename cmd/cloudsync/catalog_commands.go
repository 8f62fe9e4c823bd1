package main

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cloudsync/internal/catalog"
	"cloudsync/internal/conflict"
	"cloudsync/internal/coordinator"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the local track catalog",
	}

	catalogCmd.AddCommand(newCatalogTracksCommand(ctx))
	catalogCmd.AddCommand(newCatalogDuplicatesCommand(ctx))
	catalogCmd.AddCommand(newCatalogDedupeCommand(ctx))

	return catalogCmd
}

// scopeFlags resolves --scope, or --provider plus --profile, to a catalog
// provider id. An empty result spans the catalog.
type scopeFlags struct {
	scope    string
	provider string
	profile  string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.scope, "scope", "", "Catalog scope (<provider>/<profile>)")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Provider kind, combined with --profile")
	cmd.Flags().StringVar(&f.profile, "profile", "", "Profile id, combined with --provider")
}

func (f *scopeFlags) resolve() (string, error) {
	if scope := strings.TrimSpace(f.scope); scope != "" {
		return scope, nil
	}
	provider := strings.TrimSpace(f.provider)
	profile := strings.TrimSpace(f.profile)
	switch {
	case provider == "" && profile == "":
		return "", nil
	case provider == "" || profile == "":
		return "", fmt.Errorf("--provider and --profile must be given together")
	}
	return coordinator.CatalogScope(provider, profile), nil
}

func newCatalogTracksCommand(ctx *commandContext) *cobra.Command {
	var (
		scope          scopeFlags
		includeDeleted bool
		limit          int
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "tracks",
		Short: "List cataloged tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := scope.resolve()
			if err != nil {
				return err
			}
			return ctx.withDB(cmd, func(db *sql.DB) error {
				tracks, err := catalog.NewStore(db).List(cmd.Context(), catalog.Filter{
					ProviderID:     providerID,
					IncludeDeleted: includeDeleted,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, tracks)
				}
				out := cmd.OutOrStdout()
				if len(tracks) == 0 {
					fmt.Fprintln(out, "Catalog is empty")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Title", "Artist", "Album", "Size", "Scope", "Deleted"},
					buildTrackRows(tracks),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	scope.register(cmd)
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "Include soft-deleted tracks")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of tracks (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildTrackRows(tracks []*catalog.Track) [][]string {
	rows := make([][]string, 0, len(tracks))
	for _, t := range tracks {
		title := t.Title
		if title == "" {
			title = t.FileName
		}
		rows = append(rows, []string{
			title,
			t.Artist,
			t.Album,
			humanize.IBytes(uint64(max(t.FileSize, 0))),
			t.ProviderID,
			yesNo(t.IsDeleted()),
		})
	}
	return rows
}

func (c *commandContext) newResolver(db *sql.DB) *conflict.Resolver {
	cfg, _ := c.ensureConfig()
	return conflict.NewResolver(db, conflict.Options{Policy: cfg.Sync.ConflictPolicy})
}

func newCatalogDuplicatesCommand(ctx *commandContext) *cobra.Command {
	var (
		scope  scopeFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List live tracks sharing a content hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := scope.resolve()
			if err != nil {
				return err
			}
			return ctx.withDB(cmd, func(db *sql.DB) error {
				sets, err := ctx.newResolver(db).DetectDuplicatesIn(cmd.Context(), providerID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, sets)
				}
				out := cmd.OutOrStdout()
				if len(sets) == 0 {
					fmt.Fprintln(out, "No duplicates found")
					return nil
				}
				var wasted int64
				rows := make([][]string, 0, len(sets))
				for _, set := range sets {
					wasted += set.WastedSpace
					rows = append(rows, []string{
						shortHash(set.Hash),
						strconv.Itoa(len(set.TrackIDs)),
						humanize.IBytes(uint64(max(set.WastedSpace, 0))),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Hash", "Tracks", "Wasted"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
				fmt.Fprintf(out, "%d duplicate set(s), %s reclaimable\n", len(sets), humanize.IBytes(uint64(max(wasted, 0))))
				return nil
			})
		},
	}
	scope.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newCatalogDedupeCommand(ctx *commandContext) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate tracks, keeping the newest of each set",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := scope.resolve()
			if err != nil {
				return err
			}
			if providerID == "" {
				return fmt.Errorf("--scope or --provider/--profile is required")
			}
			return ctx.withExclusiveDB(cmd, func(db *sql.DB) error {
				resolver := ctx.newResolver(db)
				sets, err := resolver.DetectDuplicatesIn(cmd.Context(), providerID)
				if err != nil {
					return err
				}
				var (
					merged    int
					reclaimed int64
				)
				for _, set := range sets {
					results, err := resolver.Deduplicate(cmd.Context(), set)
					if err != nil {
						return fmt.Errorf("dedupe %s: %w", shortHash(set.Hash), err)
					}
					for _, res := range results {
						if res.Kind == conflict.ResultMerged {
							merged++
							reclaimed += res.Reclaimed
						}
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %d duplicate(s) across %d set(s), reclaimed %s (policy %s)\n",
					merged, len(sets), humanize.IBytes(uint64(max(reclaimed, 0))), resolver.Policy())
				return nil
			})
		},
	}
	scope.register(cmd)
	return cmd
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
