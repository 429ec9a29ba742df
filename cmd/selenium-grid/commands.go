package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wanmail/selenium-grid/grid/config"
	"github.com/wanmail/selenium-grid/grid/events"
	"github.com/wanmail/selenium-grid/grid/node"
	"github.com/wanmail/selenium-grid/internal/download"
)

var (
	downloadDir      string
	downloadParallel int
)

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run a hub and a node in a single process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		handler, closeGrid, err := newStandalone(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeGrid()
		return serve(ctx, listenAddr(cfg), handler, logger)
	},
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the router, the session queue and the distributor",
	Long: `The hub accepts new session requests, queues them and hands them to the
nodes that register with it, then forwards every command of a session to its
node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		h, err := newHub(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer h.Close()
		return serve(ctx, listenAddr(cfg), h.router, logger)
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node that registers with a hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		// The node's own bus only carries its drain notification.
		bus := events.NewBus(16, logger.Named("events"))
		defer bus.Close()
		n, err := newNode(cfg, cfg.ExternalURL(), bus, logger.Named("node"))
		if err != nil {
			return err
		}
		defer n.Close()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return serve(ctx, listenAddr(cfg), n.Handler(), logger)
		})
		g.Go(func() error {
			client := &http.Client{Timeout: 30 * time.Second}
			node.Heartbeat(ctx, n, cfg.Node.Hub, config.Seconds(cfg.Node.HeartbeatPeriod), client, logger.Named("heartbeat"))
			return nil
		})
		return g.Wait()
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download chromedriver and geckodriver",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		d := &download.Downloader{
			Dir:      downloadDir,
			Client:   &http.Client{Timeout: 5 * time.Minute},
			Logger:   logger.Named("download"),
			Parallel: downloadParallel,
			Retries:  3,
		}
		if err := d.DownloadAll(ctx, download.DriverFiles()); err != nil {
			return fmt.Errorf("downloading drivers: %w", err)
		}
		logger.Info("drivers downloaded", zap.String("dir", downloadDir))
		return nil
	},
}
