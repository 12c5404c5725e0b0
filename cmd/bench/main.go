package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/tree"
)

func main() {
	clients := flag.Int("clients", 4, "Number of concurrent clients")
	count := flag.Int("count", 200, "Tables written by each client")
	useGit := flag.Bool("git", false, "Bench a git repository instead of the in-memory store")
	keep := flag.Bool("keep", false, "Keep the benchmark repository after running")
	flag.Parse()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	password := []byte("bench")

	opts := []tessera.Option{
		tessera.WithLogger(logger),
		tessera.WithSecret([]byte("tessera-bench-secret-0123456789")),
		tessera.WithAdmin("admin", "", password),
	}
	dir := ""
	if *useGit {
		var err error
		dir, err = os.MkdirTemp("", "tessera_bench_")
		if err != nil {
			panic(err)
		}
		defer func() {
			if !*keep {
				os.RemoveAll(dir)
			} else {
				fmt.Printf("Keeping bench dir: %s\n", dir)
			}
		}()
		opts = append(opts, tessera.WithAutoInit(true))
	} else {
		opts = append(opts, tessera.WithStore(memory.NewStore()))
	}

	h, err := tessera.Open(ctx, dir, opts...)
	if err != nil {
		panic(err)
	}
	defer h.Close(ctx)

	sessions := make([]*client.DataBase, *clients)
	for i := range sessions {
		c, err := tessera.Connect(ctx, h, "admin", password)
		if err != nil {
			panic(err)
		}
		defer c.Close(ctx)
		if i == 0 {
			if err := c.DataBases().AddNewDataBase(ctx, "bench", ""); err != nil {
				panic(err)
			}
		}
		db, err := c.DataBases().Get(ctx, "bench")
		if err != nil {
			panic(err)
		}
		if i == 0 {
			if err := db.Load(ctx); err != nil {
				panic(err)
			}
		}
		if err := db.Enter(ctx); err != nil {
			panic(err)
		}
		sessions[i] = db
	}

	fmt.Printf("Writing %d tables from %d clients...\n", *count**clients, *clients)
	latencies := make([][]time.Duration, *clients)
	start := time.Now()
	var wg sync.WaitGroup
	for i, db := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tables, err := db.Tables()
			if err != nil {
				panic(err)
			}
			for n := 0; n < *count; n++ {
				t0 := time.Now()
				name := fmt.Sprintf("T_%d_%d", i, n)
				if err := tables.AddNewItem(ctx, tree.RootPath, name, core.TableInfo{}); err != nil {
					panic(err)
				}
				latencies[i] = append(latencies[i], time.Since(t0))
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)

	// Every mirror must converge on the same tree.
	for i, db := range sessions {
		tables, _ := db.Tables()
		items, err := tables.Items(ctx)
		if err != nil {
			panic(err)
		}
		if len(items) != *count**clients {
			fmt.Printf("client %d mirrors %d tables, want %d\n", i, len(items), *count**clients)
			os.Exit(1)
		}
	}

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Benchmark Result (%d writes, %d clients):\n", len(all), *clients)
	fmt.Printf("  Total: %v\n", total)
	fmt.Printf("  p50:   %v\n", all[len(all)/2])
	fmt.Printf("  p99:   %v\n", all[len(all)*99/100])
	fmt.Printf("--------------------------------------------------\n")
}
