package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moatus/histstore"
	"github.com/moatus/histstore/internal/workload"
	"github.com/moatus/histstore/log"
)

var dumpFlags struct {
	table uint32
	limit int
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the history entries of one table",
	Long: `dump opens the store described by --config and the HISTSTORE_* environment
and prints every entry of a table in key order: record key, timestamp,
counter, durable window, record kind, payload size and writer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Backend == histstore.BackendMemtree {
			return errors.New("dump needs an on-disk backend")
		}
		st, err := histstore.Open(cfg, histstore.WithLogger(log.L()))
		if err != nil {
			return err
		}
		defer func() { err = errors.CombineErrors(err, st.Close()) }()

		n, err := workload.Dump(cmd.OutOrStdout(), st, dumpFlags.table, dumpFlags.limit)
		log.L().Debug("dump finished", zap.Uint32("table", dumpFlags.table), zap.Int("entries", n))
		return err
	},
}

func init() {
	dumpCmd.Flags().Uint32VarP(&dumpFlags.table, "table", "t", 1, "table id")
	dumpCmd.Flags().IntVarP(&dumpFlags.limit, "limit", "n", 0, "stop after this many entries, 0 for all")
	rootCmd.AddCommand(dumpCmd)
}
