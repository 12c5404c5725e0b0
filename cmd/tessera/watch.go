package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/tessera/pkg/adapters/lifecycle"
)

var watchCmd = &cobra.Command{
	Use:   "watch [database...]",
	Short: "Print every change the host replicates",
	Long: `Connect to a host and print users, data bases and domains events as they
arrive. Naming data bases also enters them and prints their tree changes.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := connect(ctx)
		if err != nil {
			fatal("Failed to connect", err)
		}
		defer c.Close(context.WithoutCancel(ctx))

		var opts []lifecycle.Option
		for _, name := range args {
			db, err := c.DataBases().Get(ctx, name)
			if err != nil {
				fatal("Failed to find data base", err)
			}
			if err := db.Enter(ctx); err != nil {
				fatal("Failed to enter data base", err)
			}
			defer db.Leave(context.WithoutCancel(ctx))
			opts = append(opts, lifecycle.WithDataBase(db))
		}

		src := lifecycle.NewSource(c, opts...)
		if err := src.Start(ctx); err != nil {
			fatal("Failed to watch", err)
		}
		for e := range src.Events() {
			fmt.Println(e)
		}
	},
}

func init() {
	addConnectFlags(watchCmd.Flags())
	rootCmd.AddCommand(watchCmd)
}
