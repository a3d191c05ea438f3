package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/qcluster/internal/config"
	"github.com/kalambet/qcluster/internal/pipeline"
	"github.com/kalambet/qcluster/internal/shell"
)

// openPipeline returns what commands drive: the in-process orchestrator,
// or a running server when --remote is set. storeOnly opens the vector store
// without checking the model backend, for commands that never call a model.
// It is swapped out in tests.
var openPipeline = func(ctx context.Context, cfg config.Config, storeOnly bool) (shell.Pipeline, func(), error) {
	if remote {
		client, err := newAPIClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		return remotePipeline{client: client}, func() {}, nil
	}
	a, err := buildApp(ctx, cfg, appOptions{progress: stderr, storeOnly: storeOnly})
	if err != nil {
		return nil, nil, err
	}
	return a.orch, func() {
		if err := a.Close(); err != nil {
			printWarning("closing: %v", err)
		}
	}, nil
}

func messageTemplate(cmd *cobra.Command) pipeline.Message {
	chat, _ := cmd.Flags().GetString("chat")
	user, _ := cmd.Flags().GetString("user")
	creator, _ := cmd.Flags().GetString("creator")
	return pipeline.Message{ChatID: chat, UserID: user, CreatorID: creator}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func setup(cmd *cobra.Command, storeOnly bool) (context.Context, config.Config, shell.Pipeline, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, nil, nil, err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := commandContext(cmd)
	p, closeFn, err := openPipeline(ctx, cfg, storeOnly)
	if err != nil {
		stop()
		return nil, cfg, nil, nil, err
	}
	return ctx, cfg, p, func() { closeFn(); stop() }, nil
}

// --- shell ---

func runShell(cmd *cobra.Command) error {
	ctx, cfg, p, done, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer done()

	sh := &shell.Shell{
		In:       cmd.InOrStdin(),
		Out:      cmd.OutOrStdout(),
		Pipeline: p,
		Session:  pipeline.NewSession(cfg.Pipeline.HistorySize),
		Template: messageTemplate(cmd),
	}
	if err := sh.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <message>",
	Short: "Extract and cluster the questions in one message",
	Long: `Extract and cluster the questions in one message.

Examples:
  qcluster process "How many rest days do you take? And what do you eat after leg day?"
  qcluster process --format json --chat dm-42 "Is creatine safe?"
  qcluster process --remote --async "Do you stretch before lifting?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		async, _ := cmd.Flags().GetBool("async")
		if async && !remote {
			return fmt.Errorf("--async requires --remote")
		}

		ctx, _, p, done, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer done()

		msg := messageTemplate(cmd)
		msg.Text = strings.Join(args, " ")

		if async {
			rp, ok := p.(remotePipeline)
			if !ok {
				return fmt.Errorf("--async requires --remote")
			}
			id, err := rp.enqueue(ctx, msg)
			if err != nil {
				return err
			}
			printSuccess("Queued job %s", id)
			return nil
		}

		res := p.ProcessMessage(ctx, pipeline.NewSession(0), msg)
		if format == "text" {
			shell.WriteResult(cmd.OutOrStdout(), res)
			return nil
		}
		return writeStructured(cmd.OutOrStdout(), format, res)
	},
}

func init() {
	processCmd.Flags().String("format", "text", "output format: text, json or yaml")
	processCmd.Flags().Bool("async", false, "queue the message on the server and print the job id")
}

// --- clusters ---

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "List stored questions grouped by cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		ctx, _, p, done, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		report, err := p.DisplayClusters(ctx)
		if err != nil {
			return err
		}
		if format == "text" {
			shell.WriteReport(cmd.OutOrStdout(), report)
			return nil
		}
		return writeStructured(cmd.OutOrStdout(), format, report)
	},
}

func init() {
	clustersCmd.Flags().String("format", "text", "output format: text, json or yaml")
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored question and cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored questions. Use --confirm to proceed.")
			return nil
		}

		ctx, _, p, done, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer done()

		printStep("Deleting stored questions...")
		n, err := p.ClearAll(ctx)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d questions", n)
		return nil
	},
}

func init() {
	clearCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show a queued message job on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		js, err := remotePipeline{client: client}.job(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if format != "text" {
			return writeStructured(cmd.OutOrStdout(), format, js)
		}
		printStatus("Job", "%s", js.ID)
		printStatus("Status", "%s", js.Status)
		printStatus("Attempts", "%d", js.Attempts)
		if js.LastError != "" {
			printStatus("Last error", "%s", js.LastError)
		}
		if len(js.Result) > 0 {
			var res pipeline.Result
			if err := json.Unmarshal(js.Result, &res); err != nil {
				return err
			}
			shell.WriteResult(cmd.OutOrStdout(), res)
		}
		return nil
	},
}

func init() {
	jobCmd.Flags().String("format", "text", "output format: text, json or yaml")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := config.LoadUnchecked()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		if format != "text" {
			return writeStructured(cmd.OutOrStdout(), format, keys)
		}
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().String("format", "text", "output format: text, json or yaml")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
