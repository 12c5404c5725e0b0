package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/transport/ws"
)

var (
	serverURL  string
	userID     string
	gapTimeout time.Duration
)

// connect dials the host and signs in. Without --url the listen address of
// the enclosing repository's config is used.
func connect(ctx context.Context) (*client.Context, error) {
	url, gap := serverURL, gapTimeout
	if url == "" || gap == 0 {
		if file, err := locateConfig(configFile); err == nil {
			if cfg, err := loadConfig(file); err == nil {
				if url == "" {
					url = "ws://" + cfg.Listen
				}
				if gap == 0 {
					gap = cfg.GapTimeout
				}
			}
		}
	}
	if url == "" {
		url = "ws://" + defaultListen
	}

	password, err := readPassword("Password for " + userID + ": ")
	if err != nil {
		return nil, err
	}
	conn, err := ws.Dial(ctx, url, ws.WithLogger(slog.Default()))
	if err != nil {
		return nil, err
	}
	return client.Open(ctx, conn, userID, password,
		client.WithLogger(slog.Default()),
		client.WithGapTimeout(gap),
		client.WithErrorHandler(func(err error) {
			slog.Error("connection", "error", err)
		}),
	)
}

func addConnectFlags(f *pflag.FlagSet) {
	f.StringVar(&serverURL, "url", "", "Websocket URL of the host (default: from tessera.yaml)")
	f.StringVarP(&userID, "user", "u", "admin", "User id to sign in as")
	f.DurationVar(&gapTimeout, "gap-timeout", 0, "How long to wait for a missing callback")
	f.StringVarP(&configFile, "config", "c", "", "Config file to read the listen address from")
}
