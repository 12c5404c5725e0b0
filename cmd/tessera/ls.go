package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/core"
)

var lsJSON bool

var lsCmd = &cobra.Command{
	Use:   "ls [database]",
	Short: "List users and data bases, or the types and tables of one data base",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c, err := connect(ctx)
		if err != nil {
			fatal("Failed to connect", err)
		}
		defer c.Close(ctx)

		if len(args) == 1 {
			err = listDataBase(ctx, c, args[0])
		} else {
			err = listHost(ctx, c)
		}
		if err != nil {
			fatal("Failed to list", err)
		}
	},
}

func listHost(ctx context.Context, c *client.Context) error {
	users, err := c.Users().Collection().Items(ctx)
	if err != nil {
		return err
	}
	online, err := c.Users().Online(ctx)
	if err != nil {
		return err
	}
	dbs, err := c.DataBases().List(ctx)
	if err != nil {
		return err
	}
	if lsJSON {
		return printJSON(map[string]any{"users": users, "online": online, "databases": dbs})
	}

	return writeHost(os.Stdout, users, online, dbs)
}

func writeHost(out io.Writer, users []core.ItemRecord[core.UserInfo], online []core.AuthenticationInfo, dbs []core.DataBaseInfo) error {
	signedIn := make(map[string]int)
	for _, a := range online {
		signedIn[a.UserID]++
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tNAME\tAUTHORITY\tONLINE\tBANNED")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n", u.Payload.ID, u.Payload.Name, u.Payload.Authority, signedIn[u.Payload.ID], u.Payload.Banned)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DATABASE\tLOADED\tLOCKED\tUSERS\tREVISION\tCOMMENT")
	for _, db := range dbs {
		fmt.Fprintf(w, "%s\t%v\t%v\t%d\t%s\t%s\n", db.Name, db.Loaded, db.Lock.Locked, len(db.Users), db.Revision, db.Comment)
	}
	return w.Flush()
}

func listDataBase(ctx context.Context, c *client.Context, name string) error {
	db, err := c.DataBases().Get(ctx, name)
	if err != nil {
		return err
	}
	if err := db.Enter(ctx); err != nil {
		return err
	}
	defer db.Leave(ctx)

	types, err := db.Types()
	if err != nil {
		return err
	}
	tables, err := db.Tables()
	if err != nil {
		return err
	}
	ts, err := types.Snapshot(ctx)
	if err != nil {
		return err
	}
	tbs, err := tables.Snapshot(ctx)
	if err != nil {
		return err
	}
	if lsJSON {
		return printJSON(map[string]any{"types": ts, "tables": tbs})
	}

	fmt.Println("types:")
	printTree(ts.Categories, paths(ts.Items))
	fmt.Println("tables:")
	printTree(tbs.Categories, paths(tbs.Items))
	return nil
}

func paths[T any](items []core.ItemRecord[T]) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Path
	}
	return out
}

func printTree(categories []core.CategoryRecord, items []string) {
	for _, c := range categories {
		fmt.Printf("  %s\n", c.Path)
	}
	for _, p := range items {
		fmt.Printf("  %s\n", p)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	addConnectFlags(lsCmd.Flags())
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(lsCmd)
}
