package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ankur-anand/blobgc"
)

var deleteCollect bool

var deleteCmd = &cobra.Command{
	Use:   "delete <blob id>...",
	Short: "request deletion of blobs",
	Long: `
Records delete intents for the given blob ids, as printed by write or
inspect. Store blobs are collected by the next GC round; pass --gc to run
one right away.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "run one GC round",
	Long: `
Moves the GC barrier as far as committed batches allow, sends Keep and
DontKeep flags to every group of the round and waits for all of them to
acknowledge.
`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteCollect, "gc", false, "run a GC round after recording the deletes")
}

func runDelete(cmd *cobra.Command, args []string) error {
	ids := make([]blobgc.BlobID, 0, len(args))
	for _, arg := range args {
		id, err := blobgc.ParseBlobID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	err = e.meta.Update(ctx, func(db blobgc.DB) error {
		for _, id := range ids {
			if err := e.mgr.RequestDelete(db, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requested delete of %d blobs\n", len(ids))

	if !deleteCollect {
		return nil
	}
	return collectAndReport(cmd, e)
}

func runGC(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEnv(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return collectAndReport(cmd, e)
}

func collectAndReport(cmd *cobra.Command, e *env) error {
	ctx := cmd.Context()
	n, err := e.collect(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if n == 0 {
		fmt.Fprintln(out, "nothing to collect")
		return nil
	}
	fmt.Fprintf(out, "collected to %s across %d groups\n\n", e.mgr.LastCollectedGenStep(), n)

	rows := make([][]string, 0, len(e.cluster.Groups()))
	for _, group := range e.cluster.Groups() {
		barrier, keep, err := e.cluster.Barrier(ctx, group, e.cfg.Tablet.ID, blobgc.BlobChannel)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(group), 10),
			barrier.String(),
			strconv.Itoa(keep),
		})
	}
	printTable(out, []string{"group", "barrier", "keep flags"}, rows)
	return nil
}
