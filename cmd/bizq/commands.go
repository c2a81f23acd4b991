package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/bizq/internal/api"
	"github.com/kalambet/bizq/internal/config"
	"github.com/kalambet/bizq/internal/conversation"
	"github.com/kalambet/bizq/internal/demo"
	"github.com/kalambet/bizq/internal/intent"
	"github.com/kalambet/bizq/internal/pipeline"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question locally; starts a REPL when no question is given",
	Long: `Ask a question about the business database without a running server.

Examples:
  bizq ask "How many orders were completed on 2025-02-21?"
  bizq ask --session s1 "which customers placed them?"
  bizq ask   # interactive; one session for the whole REPL`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ov, err := askOverrides(cmd)
		if err != nil {
			return err
		}
		sessionID, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		if remote, _ := cmd.Flags().GetBool("remote"); remote {
			if len(args) == 0 {
				return fmt.Errorf("--remote needs a question")
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			ans, err := askRemote(context.Background(), client, sessionID, strings.Join(args, " "), ov)
			if err != nil {
				return err
			}
			if ans.Degraded {
				printWarning("answer degraded at %s: %s", ans.Stage, ans.Err)
			}
			return printAnswer(os.Stdout, ans, asJSON)
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		conv := a.sessions.Get(sessionID)
		if len(args) > 0 {
			ans := a.pipeline.Process(ctx, conv, strings.Join(args, " "), ov)
			return printAnswer(os.Stdout, ans, asJSON)
		}
		return repl(ctx, os.Stdin, os.Stdout, a.pipeline, a.sessions, conv, ov, asJSON)
	},
}

func init() {
	askCmd.Flags().String("session", "", "session to continue (default: new session)")
	askCmd.Flags().String("category", "", "force a category instead of classifying")
	askCmd.Flags().Bool("no-cache", false, "bypass the classification cache")
	askCmd.Flags().String("rules", "", "extra business rules for SQL generation")
	askCmd.Flags().Duration("timeout", 0, "overall time budget for the question")
	askCmd.Flags().Bool("json", false, "print the full answer as JSON")
	askCmd.Flags().Bool("remote", false, "send the question to the running server")
}

func askRemote(ctx context.Context, client *apiClient, sessionID, question string, ov pipeline.Overrides) (pipeline.Answer, error) {
	return client.ask(ctx, api.AskRequest{
		SessionID:     sessionID,
		Question:      question,
		Category:      ov.Category,
		NoCache:       ov.NoCache,
		BusinessRules: ov.BusinessRules,
		TimeoutMS:     int(ov.Timeout / time.Millisecond),
	})
}

func askOverrides(cmd *cobra.Command) (pipeline.Overrides, error) {
	category, _ := cmd.Flags().GetString("category")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	rules, _ := cmd.Flags().GetString("rules")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if category != "" && !intent.IsCategory(category) {
		return pipeline.Overrides{}, fmt.Errorf("unknown category %q (valid: %s)", category, strings.Join(intent.Categories, ", "))
	}
	return pipeline.Overrides{Category: category, NoCache: noCache, BusinessRules: rules, Timeout: timeout}, nil
}

// repl reads one question per line until EOF or "exit". "reset" clears the
// conversation context.
func repl(ctx context.Context, in io.Reader, out io.Writer, p api.Asker, sessions *conversation.Manager, conv *conversation.Context, ov pipeline.Overrides, asJSON bool) error {
	fmt.Fprintf(out, "bizq %s, session %s. Type \"reset\" to clear context, \"exit\" to quit.\n", version, conv.ID())
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorCyan, "bizq> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "reset":
			conv.Clear()
			sessions.Save(conv)
			fmt.Fprintln(out, "context cleared")
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := printAnswer(out, p.Process(ctx, conv, line, ov), asJSON); err != nil {
			return err
		}
	}
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the demo schema and fill it with fake data",
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		opts := demo.Options{Progress: os.Stderr}
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		opts.Customers, _ = cmd.Flags().GetInt("customers")
		opts.MenuItems, _ = cmd.Flags().GetInt("menu-items")
		opts.Orders, _ = cmd.Flags().GetInt("orders")
		days, _ := cmd.Flags().GetInt("days")
		if days > 0 {
			opts.End = time.Now().UTC().Truncate(time.Second)
			opts.Start = opts.End.AddDate(0, 0, -days)
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		opts.Driver = cfg.Database.Driver

		exec, err := openExecutor(cfg, logger)
		if err != nil {
			return err
		}
		defer exec.Close()

		ctx := context.Background()
		if err := exec.ValidateConnection(ctx); err != nil {
			return err
		}
		if reset {
			printStep("Dropping demo tables...")
			if err := demo.Reset(ctx, exec.DB()); err != nil {
				return err
			}
		}
		if err := demo.CreateSchema(ctx, exec.DB()); err != nil {
			return err
		}
		sum, err := demo.Seed(ctx, exec.DB(), opts)
		if err != nil {
			return err
		}
		printSuccess("Seeded %d customers, %d menu items, %d orders, %d order items",
			sum.Customers, sum.MenuItems, sum.Orders, sum.OrderItems)
		return nil
	},
}

func init() {
	seedCmd.Flags().Bool("reset", false, "drop the demo tables first")
	seedCmd.Flags().Int64("seed", 1, "random seed; the same seed produces the same data")
	seedCmd.Flags().Int("customers", 50, "number of customers")
	seedCmd.Flags().Int("menu-items", 30, "number of menu items")
	seedCmd.Flags().Int("orders", 500, "number of orders")
	seedCmd.Flags().Int("days", 90, "spread orders over this many past days")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent queries from the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, _ := cmd.Flags().GetBool("turns")
		session, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if turns || session != "" {
			list, err := client.turns(ctx, session, limit)
			if err != nil {
				return err
			}
			printTurns(os.Stdout, list)
			return nil
		}

		view, err := client.history(ctx)
		if err != nil {
			return err
		}
		printHistory(os.Stdout, view)
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("turns", false, "show answered questions instead of executed queries")
	historyCmd.Flags().String("session", "", "show the questions of one session")
	historyCmd.Flags().Int("limit", 20, "maximum number of questions to list")
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
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
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configKeysCmd)
}
