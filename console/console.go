// Package console provides the cobra commands operating a Messenger: consuming transports,
// inspecting and replaying failed messages, setting up transports and counting messages.
//
// Applications embed NewRootCommand with a Loader registering their handlers; cmd/courier uses
// the default loader, which only knows the built-in handlers.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

// Loader builds the messenger from the loaded configuration
type Loader func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*courier.Messenger, error)

// DefaultLoader creates a messenger without application handlers
func DefaultLoader(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*courier.Messenger, error) {
	return courier.New(ctx, cfg, courier.WithLogger(logger))
}

type app struct {
	load       Loader
	out        io.Writer
	configPath string
	envFile    string
	verbose    bool
	logger     *slog.Logger
}

// NewRootCommand creates the command tree. Output goes to out, logs to stderr.
func NewRootCommand(load Loader, out io.Writer) *cobra.Command {
	if load == nil {
		load = DefaultLoader
	}
	a := &app{load: load, out: out}

	root := &cobra.Command{
		Use:           "courier",
		Short:         "Operate courier transports and failed messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "courier.yaml", "Configuration file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before the configuration, if present")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logs")

	root.AddCommand(
		a.consumeCommand(),
		a.failedCommand(),
		a.setupCommand(),
		a.statsCommand(),
	)
	return root
}

func (a *app) init() error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil {
			a.logger.Debug("env file not loaded", "path", a.envFile, "error", err)
		}
	}
	return nil
}

func (a *app) messenger(ctx context.Context) (*courier.Messenger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	return a.load(ctx, cfg, a.logger)
}

func (a *app) consumeCommand() *cobra.Command {
	var (
		limit        int
		failureLimit int
		timeLimit    time.Duration
		sleep        time.Duration
		queues       []string
	)

	cmd := &cobra.Command{
		Use:   "consume [transports...]",
		Short: "Consume messages from transports, in priority order",
		Long: `Consume messages from the named transports. Transports listed first are polled first.
Without arguments every transport that is not a failure transport is consumed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := a.messenger(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			receivers := args
			if len(receivers) == 0 {
				receivers = consumable(m)
			}

			var opts []messaging.WorkerOption
			if limit > 0 {
				opts = append(opts, messaging.WithListeners(messaging.NewStopOnMessageLimitListener(limit, a.logger)))
			}
			if failureLimit > 0 {
				opts = append(opts, messaging.WithListeners(messaging.NewStopOnFailureLimitListener(failureLimit, a.logger)))
			}
			if timeLimit > 0 {
				opts = append(opts, messaging.WithListeners(messaging.NewStopOnTimeLimitListener(timeLimit, time.Now, a.logger)))
			}
			if sleep > 0 {
				opts = append(opts, messaging.WithSleep(sleep))
			}
			if len(queues) > 0 {
				opts = append(opts, messaging.WithQueues(queues...))
			}

			worker, err := m.Worker(receivers, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Consuming messages from %s\n", strings.Join(receivers, ", "))
			return worker.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Stop after handling this many messages")
	cmd.Flags().IntVarP(&failureLimit, "failure-limit", "f", 0, "Stop after this many failed messages")
	cmd.Flags().DurationVarP(&timeLimit, "time-limit", "t", 0, "Stop after running this long")
	cmd.Flags().DurationVar(&sleep, "sleep", time.Second, "Time to wait when no message is available")
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "Only consume these queues of the transports")
	return cmd
}

func consumable(m *courier.Messenger) []string {
	failure := make(map[string]bool)
	for _, name := range m.FailureTransportNames() {
		failure[name] = true
	}
	var names []string
	for _, name := range m.TransportNames() {
		if !failure[name] {
			names = append(names, name)
		}
	}
	return names
}

func (a *app) failedCommand() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect, replay and remove messages of a failure transport",
	}
	cmd.PersistentFlags().StringVar(&transport, "transport", "", "Failure transport; defaults to the only one configured")

	resolve := func(m *courier.Messenger) (string, error) {
		if transport != "" {
			return transport, nil
		}
		names := m.FailureTransportNames()
		switch len(names) {
		case 0:
			return "", errors.New("no failure transport is configured")
		case 1:
			return names[0], nil
		default:
			return "", fmt.Errorf("several failure transports are configured, pick one with --transport: %s", strings.Join(names, ", "))
		}
	}

	var maxMessages int
	show := &cobra.Command{
		Use:   "show [id]",
		Short: "List failed messages, or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.messenger(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			name, err := resolve(m)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				receiver, err := m.ListableReceiver(name)
				if err != nil {
					return err
				}
				env, err := receiver.Find(ctx, args[0])
				if err != nil {
					return err
				}
				printFailedMessage(a.out, env)
				return nil
			}

			envelopes, err := m.FailedMessages(ctx, name, maxMessages)
			if err != nil {
				return err
			}
			printFailedMessages(a.out, envelopes)
			return nil
		},
	}
	show.Flags().IntVar(&maxMessages, "max", 50, "Maximum number of messages listed")

	var (
		retryAll bool
		inPlace  bool
	)
	retry := &cobra.Command{
		Use:   "retry [ids...]",
		Short: "Replay failed messages on the transport they failed on",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !retryAll {
				return errors.New("give message ids or --all")
			}
			ctx := cmd.Context()
			m, err := a.messenger(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			name, err := resolve(m)
			if err != nil {
				return err
			}

			ids := args
			if retryAll {
				envelopes, err := m.FailedMessages(ctx, name, 0)
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, env := range envelopes {
					ids = append(ids, messaging.MessageID(env))
				}
			}

			var opts []courier.RetryOption
			if inPlace {
				opts = append(opts, courier.ReplayAs(messaging.ReplayRetry))
			}
			for _, id := range ids {
				if err := m.RetryFailed(ctx, name, id, opts...); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Message %s replayed\n", id)
			}
			return nil
		},
	}
	retry.Flags().BoolVar(&retryAll, "all", false, "Replay every failed message")
	retry.Flags().BoolVar(&inPlace, "in-place", false, "Handle the messages right away instead of sending them back to their transport")

	remove := &cobra.Command{
		Use:   "remove <ids...>",
		Short: "Delete failed messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.messenger(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			name, err := resolve(m)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := m.RemoveFailed(ctx, name, id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Message %s removed\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(show, retry, remove)
	return cmd
}

func (a *app) setupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup-transports",
		Short: "Create the queues, streams and tables the transports need",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.messenger(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Setup(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Transports set up")
			return nil
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [transports...]",
		Short: "Count the messages waiting on transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.messenger(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			stats, err := m.Stats(ctx, args...)
			if err != nil {
				return err
			}
			printStats(a.out, stats)
			return nil
		},
	}
}

func printStats(out io.Writer, stats []courier.TransportStats) {
	fmt.Fprintf(out, "%-30s %-10s\n", "Transport", "Messages")
	fmt.Fprintln(out, strings.Repeat("-", 41))
	for _, s := range stats {
		count := "n/a"
		if s.Count >= 0 {
			count = fmt.Sprint(s.Count)
		}
		fmt.Fprintf(out, "%-30s %-10s\n", truncate(s.Name, 30), count)
	}
}

func printFailedMessages(out io.Writer, envelopes []*contracts.Envelope) {
	if len(envelopes) == 0 {
		fmt.Fprintln(out, "No failed messages")
		return
	}

	fmt.Fprintf(out, "%-10s %-30s %-20s %-8s %s\n", "ID", "Type", "Failed at", "Retries", "Error")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, env := range envelopes {
		fm, ok := env.Message().(*messaging.FailedMessage)
		if !ok {
			fmt.Fprintf(out, "%-10s %-30s\n", truncate(messaging.MessageID(env), 10), serialization.NameOf(env.Message()))
			continue
		}
		fmt.Fprintf(out, "%-10s %-30s %-20s %-8d %s\n",
			truncate(messaging.MessageID(env), 10),
			truncate(serialization.NameOf(fm.Envelope.Message()), 30),
			fm.FailedAt.Format(time.DateTime),
			contracts.RetryCount(fm.Envelope),
			truncate(fm.ErrorMessage, 60),
		)
	}
}

func printFailedMessage(out io.Writer, env *contracts.Envelope) {
	fm, ok := env.Message().(*messaging.FailedMessage)
	if !ok {
		fmt.Fprintf(out, "Message %s is a %s, not a failed message\n", messaging.MessageID(env), serialization.NameOf(env.Message()))
		return
	}

	fmt.Fprintf(out, "ID:            %s\n", messaging.MessageID(env))
	fmt.Fprintf(out, "Type:          %s\n", serialization.NameOf(fm.Envelope.Message()))
	fmt.Fprintf(out, "Failed on:     %s\n", fm.ReceivedFrom)
	fmt.Fprintf(out, "Failed at:     %s\n", fm.FailedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Retries:       %d\n", contracts.RetryCount(fm.Envelope))
	fmt.Fprintf(out, "Error:         %s\n", fm.ErrorMessage)
	for d := fm.Error; d != nil; d = d.Previous {
		fmt.Fprintf(out, "  %s: %s\n", d.Class, d.Message)
	}
	fmt.Fprintf(out, "Message:       %+v\n", fm.Envelope.Message())
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
