package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/platform"
)

var (
	adminID      string
	adminName    string
	noVersioning bool
	unsafe       bool
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a tessera repository",
	Long: `Initialize a repository (git init unless --no-versioning), seed the
administrator and write a tessera.yaml with a fresh token secret.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		dir, err := filepath.Abs(platform.ResolvePath(path, platform.IsDevRun() && !unsafe))
		if err != nil {
			fatal("Failed to resolve path", err)
		}

		password, err := readPassword("Administrator password: ")
		if err != nil {
			fatal("Failed to read password", err)
		}
		if len(password) == 0 {
			fatal("Failed to initialize repository", errors.New("empty administrator password"))
		}

		file := filepath.Join(dir, platform.ConfigFile)
		cfg, fresh, err := initialConfig(file)
		if err != nil {
			fatal("Failed to prepare config", err)
		}

		ctx := context.Background()
		h, err := tessera.Open(ctx, dir,
			tessera.WithAutoInit(true),
			tessera.WithVersioning(!noVersioning),
			tessera.WithDevSafety(false),
			tessera.WithSecret([]byte(cfg.Secret)),
			tessera.WithAdmin(adminID, adminName, password),
			tessera.WithLogger(slog.Default()),
		)
		if err != nil {
			fatal("Failed to initialize repository", err)
		}
		h.Close(ctx)

		if fresh {
			if err := writeConfig(file, cfg); err != nil {
				fatal("Failed to write config", err)
			}
		}
		fmt.Println("Initialized tessera repository in", dir)
	},
}

// initialConfig keeps an existing config file and creates one otherwise.
func initialConfig(file string) (cfg *serverConfig, fresh bool, err error) {
	if _, err := os.Stat(file); err == nil {
		cfg, err := loadConfig(file)
		return cfg, false, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, false, err
	}
	cfg = &serverConfig{Path: ".", Listen: defaultListen, Secret: secret}
	versioning := !noVersioning
	cfg.Versioning = &versioning
	cfg.Admin.ID = adminID
	cfg.Admin.Name = adminName
	return cfg, true, nil
}

func init() {
	initCmd.Flags().StringVar(&adminID, "admin", "admin", "Administrator user id")
	initCmd.Flags().StringVar(&adminName, "admin-name", "", "Administrator display name")
	initCmd.Flags().BoolVar(&noVersioning, "no-versioning", false, "Store files without git")
	initCmd.Flags().BoolVar(&unsafe, "unsafe", false, "Skip the dev sandbox under go run")
	rootCmd.AddCommand(initCmd)
}
