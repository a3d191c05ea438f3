package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qcluster/internal/api"
	"github.com/kalambet/qcluster/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the MCP stdio server and the message worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpEnabled, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpEnabled)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show qcluster system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
}

func runServer(mcpEnabled bool) error {
	fmt.Fprintf(stderr, "qcluster version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	if cfg.Server.Token == "" {
		printWarning("QCLUSTER_SERVER_TOKEN is not set; every authenticated endpoint will answer 401")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, appOptions{needJobs: true, progress: stderr})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(stderr, "warning: closing: %v\n", err)
		}
	}()

	sessions := a.orch.NewSessionRegistry()
	handler := api.NewHandler(api.Deps{
		Pipeline: a.orch,
		Sessions: sessions,
		Jobs:     a.db,
		Token:    cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := pipeline.NewWorker(a.db, a.orch, sessions, 500*time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(stderr, "qcluster listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	if mcpEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Pipeline: a.orch, Sessions: sessions, Version: version})
		g.Go(func() error {
			stdioSrv := server.NewStdioServer(mcpSrv)
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	chatModel, embedModel := chatAndEmbedModels(cfg)
	printStatus("Engine", "%s", cfg.Engine.Backend)
	printStatus("Chat model", "%s", chatModel)
	printStatus("Embed model", "%s", embedModel)
	printStatus("Vector store", "%s", cfg.VectorStore.Backend)
	printStatus("Embedding cache", "%s", cfg.Cache.Backend)
	printStatus("Threshold", "%.2f (top %d)", cfg.Clustering.SimilarityThreshold, cfg.Clustering.TopK)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
