package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/config"
	"github.com/ankur-anand/blobgc/metadb"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [barrier|lists|evicted|stats]",
	Short: "print the persisted blob manager tables",
	Long: `
Reads the metadata store without opening the blob manager. With no
argument every table is printed. "stats" opens the manager and prints its
in-memory queue sizes after loading.
`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"barrier", "lists", "evicted", "stats"},
	RunE:      runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	what := "all"
	if len(args) == 1 {
		what = args[0]
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if what == "stats" {
		return runInspectStats(cmd, cfg)
	}

	store, err := metadb.Open(cfg.MetadataOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	return store.View(cmd.Context(), func(db blobgc.DB) error {
		switch what {
		case "barrier":
			return printBarrier(cmd, db)
		case "lists":
			return printLists(cmd, db)
		case "evicted":
			return printEvicted(cmd, db)
		case "all":
			if err := printBarrier(cmd, db); err != nil {
				return err
			}
			fmt.Fprintln(out)
			if err := printLists(cmd, db); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printEvicted(cmd, db)
		default:
			return fmt.Errorf("unknown table %q", what)
		}
	})
}

func printBarrier(cmd *cobra.Command, db blobgc.DB) error {
	barrier, err := db.LoadLastGCBarrier()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "last collected: %s\n", barrier)
	return nil
}

func printLists(cmd *cobra.Command, db blobgc.DB) error {
	keep, del, err := db.LoadLists()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(keep)+len(del))
	for _, id := range keep {
		rows = append(rows, blobRow("keep", id))
	}
	for _, id := range del {
		rows = append(rows, blobRow("delete", id))
	}
	printTable(cmd.OutOrStdout(), []string{"list", "blob", "gen step", "size"}, rows)
	return nil
}

func blobRow(list string, id blobgc.BlobID) []string {
	return []string{list, id.String(), id.GenStep().String(), humanize.IBytes(uint64(id.Size()))}
}

func printEvicted(cmd *cobra.Command, db blobgc.DB) error {
	evicted, dropped, err := db.LoadEvicted()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(evicted)+len(dropped))
	add := func(table string, recs []blobgc.EvictRecord) {
		for _, rec := range recs {
			rows = append(rows, []string{table, rec.Blob.Blob.String(), rec.Blob.State.String(), string(rec.Metadata)})
		}
	}
	add("evicted", evicted)
	add("dropped", dropped)
	printTable(cmd.OutOrStdout(), []string{"table", "blob", "state", "metadata"}, rows)
	return nil
}

func runInspectStats(cmd *cobra.Command, cfg *config.Config) error {
	e, err := openEnv(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	s := e.mgr.Stats()
	itoa := strconv.Itoa
	printPairs(cmd.OutOrStdout(), [][2]string{
		{"generation", strconv.FormatUint(uint64(s.Generation), 10)},
		{"current", s.CurrentGenStep.String()},
		{"last collected", s.LastCollectedGenStep.String()},
		{"round in flight", strconv.FormatBool(s.RoundInFlight)},
		{"keep queue", itoa(s.KeepQueue)},
		{"delete queue", itoa(s.DeleteQueue)},
		{"delayed deletes", itoa(s.DelayedDeletes)},
		{"small deletes", itoa(s.SmallDeletes)},
		{"allocations", itoa(s.Allocations)},
		{"evicted", itoa(s.Evicted)},
		{"dropped", itoa(s.Dropped)},
	})
	return nil
}
