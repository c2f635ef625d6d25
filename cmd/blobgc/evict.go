package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankur-anand/blobgc"
)

var evictDropLocal bool

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "move blobs to the external tier",
}

var evictExportCmd = &cobra.Command{
	Use:   "export <blob id>...",
	Short: "export blobs to the tier",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEvictExport,
}

var evictDropCmd = &cobra.Command{
	Use:   "drop <blob id>...",
	Short: "forget the local copy of exported blobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvictOp(cmd, args, "dropped", func(e *env, id blobgc.BlobID) error {
			return e.mover.Drop(cmd.Context(), id)
		})
	},
}

var evictForgetCmd = &cobra.Command{
	Use:   "forget <blob id>...",
	Short: "remove the tier copy of dropped blobs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvictOp(cmd, args, "forgot", func(e *env, id blobgc.BlobID) error {
			return e.mover.Forget(cmd.Context(), id)
		})
	},
}

func init() {
	evictExportCmd.Flags().BoolVar(&evictDropLocal, "drop-local", false, "mark exported blobs EXTERN instead of SELF_CACHED")
	evictCmd.AddCommand(evictExportCmd, evictDropCmd, evictForgetCmd)
}

func parseBlobIDs(args []string) ([]blobgc.BlobID, error) {
	ids := make([]blobgc.BlobID, 0, len(args))
	for _, arg := range args {
		id, err := blobgc.ParseBlobID(arg)
		if err != nil {
			return nil, err
		}
		if !id.IsStoreBlob() {
			return nil, fmt.Errorf("%s: only store blobs can be evicted", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runEvictExport(cmd *cobra.Command, args []string) error {
	ids, err := parseBlobIDs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEnv(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		state, err := e.mover.Evict(cmd.Context(), id, evictDropLocal)
		if err != nil {
			return fmt.Errorf("evict %s (state %s): %w", id, state, err)
		}
		_, meta, ok := e.mgr.GetEvicted(id)
		if !ok {
			_, meta, _ = e.mgr.GetDropped(id)
		}
		rows = append(rows, []string{id.String(), state.String(), meta.ExternKey})
	}
	printTable(cmd.OutOrStdout(), []string{"blob", "state", "tier key"}, rows)
	return nil
}

func runEvictOp(cmd *cobra.Command, args []string, verb string, op func(e *env, id blobgc.BlobID) error) error {
	ids, err := parseBlobIDs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := openEnv(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	for _, id := range ids {
		if err := op(e, id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d blobs\n", verb, len(ids))
	return nil
}
