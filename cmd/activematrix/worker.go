package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/daemon"
)

// workerCmd is spawned by the coordinator, one process per shard. Not
// meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the agent manager for one shard.",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runWorker()
	},
}

func runWorker() error {
	p, err := buildProfile()
	if err != nil {
		return err
	}
	cfg := agent.NewConfigFromViper()

	reopen, err := setupLogging(p, cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	defer st.Close()

	w := daemon.NewWorker(p, st, cfg, viper.GetInt("shard-index"), viper.GetInt("shard-count"))
	w.ReopenLog = reopen
	slog.Info("worker: started", "shard", w.Index, "of", w.Count, "pid", os.Getpid())
	return w.Run(ctx)
}

func init() {
	workerCmd.Flags().Int("shard-index", 0, "zero-based shard this worker owns")
	workerCmd.Flags().Int("shard-count", 1, "total number of shards")
	for _, name := range []string{"shard-index", "shard-count"} {
		if err := viper.BindPFlag(name, workerCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}
