package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ankur-anand/blobgc"
)

var (
	writeCount   int
	writeSize    int
	writeSmall   int
	writeTimeout time.Duration
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "write one batch of generated blobs",
	Long: `
Starts a blob batch, writes --count store blobs of --size bytes and --small
inline blobs, waits for every put and commits the batch.
`,
	Args: cobra.NoArgs,
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().IntVarP(&writeCount, "count", "n", 1, "number of store blobs")
	writeCmd.Flags().IntVarP(&writeSize, "size", "s", 4096, "size of each store blob")
	writeCmd.Flags().IntVar(&writeSmall, "small", 0, "number of small blobs kept in the metadata store")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 30*time.Second, "put deadline")
}

func runWrite(cmd *cobra.Command, _ []string) error {
	if writeCount < 0 || writeCount > 1000 {
		return fmt.Errorf("--count must be in [0, 1000], got %d", writeCount)
	}
	if writeSize < 0 || writeSize > blobgc.MaxBlobSize {
		return fmt.Errorf("--size must be in [0, %d], got %d", blobgc.MaxBlobSize, writeSize)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), writeTimeout)
	defer cancel()

	e, err := openEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	batch := e.mgr.StartBatch(blobgc.BlobChannel)
	deadline := time.Now().Add(writeTimeout)
	var rows [][]string
	for i := 0; i < writeCount; i++ {
		data := bytes.Repeat([]byte{byte('a' + i%26)}, writeSize)
		id, err := e.mgr.WriteBlob(ctx, batch, data, deadline)
		if err != nil {
			e.mgr.AbortBatch(batch)
			return err
		}
		rows = append(rows, []string{id.String(), "store", humanize.IBytes(uint64(writeSize))})
	}
	for i := 0; i < writeCount; i++ {
		select {
		case res := <-e.putResults:
			if res.Status != blobgc.StatusOK {
				e.mgr.AbortBatch(batch)
				return fmt.Errorf("put %s: %s", res.Blob, res.Status)
			}
			batch.OnBlobWriteResult(res)
		case <-ctx.Done():
			e.mgr.AbortBatch(batch)
			return ctx.Err()
		}
	}
	for i := 0; i < writeSmall; i++ {
		data := []byte("small-" + strconv.Itoa(i))
		id := batch.AllocateSmallBlob(data)
		rows = append(rows, []string{id.String(), "small", humanize.IBytes(uint64(len(data)))})
	}

	err = e.meta.Update(ctx, func(db blobgc.DB) error {
		return e.mgr.CommitBatch(db, batch)
	})
	if err != nil {
		return err
	}

	printTable(cmd.OutOrStdout(), []string{"blob", "kind", "size"}, rows)
	fmt.Fprintf(cmd.OutOrStdout(), "\ncommitted batch %s\n", batch.GenStep())
	return nil
}
