package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/stream"
	"github.com/Strob0t/agentloop/internal/service"
)

var (
	flagTier      string
	flagMaxTurns  int
	flagTimeout   time.Duration
	flagCostLimit float64
	flagTools     []string
	flagSystem    string
	flagStream    bool
	flagJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run one agent on a task and print its answer",
	Long: "Run one agent on a task. On a terminal the answer streams as it is generated;\n" +
		"otherwise the final answer is printed once the run ends.",
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&flagTier, "tier", "", "Model tier: fast, smart or creative")
	f.IntVar(&flagMaxTurns, "max-turns", 0, "Maximum provider round-trips")
	f.DurationVar(&flagTimeout, "timeout", 0, "Wall-clock limit for the run")
	f.Float64Var(&flagCostLimit, "cost-limit", 0, "Cost ceiling in USD")
	f.StringSliceVar(&flagTools, "tools", nil, "Tools the agent may call (default all)")
	f.StringVar(&flagSystem, "system", "", "System prompt")
	f.BoolVar(&flagStream, "stream", false, "Stream the answer (default on a terminal)")
	f.BoolVar(&flagJSON, "json", false, "Print the result as JSON")
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An empty tier keeps the configured default.
	if flagTier != "" {
		if _, err := llm.ParseTier(flagTier); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, flagConfig)
	if err != nil {
		return err
	}
	defer closeApp(a)

	req := service.RunRequest{
		Task:         strings.Join(args, " "),
		SystemPrompt: flagSystem,
		AllowedTools: flagTools,
		MaxTurns:     flagMaxTurns,
		Timeout:      flagTimeout,
		CostLimitUSD: flagCostLimit,
		Tier:         llm.Tier(flagTier),
	}

	stdout := cmd.OutOrStdout()
	streaming := flagStream
	if !cmd.Flags().Changed("stream") {
		streaming = !flagJSON && term.IsTerminal(int(os.Stdout.Fd()))
	}
	if streaming && !flagJSON {
		return streamTask(ctx, cmd, a, req)
	}

	res, err := a.runtime.Run(ctx, req)
	if err != nil {
		return err
	}
	p := service.CompletePayload("", res)
	if flagJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, p.FinalText)
	}
	if !p.Success {
		return fmt.Errorf("run ended: %s", p.Reason)
	}
	return nil
}

// streamTask prints text as it arrives on stdout and tool activity on
// stderr.
func streamTask(ctx context.Context, cmd *cobra.Command, a *app, req service.RunRequest) error {
	_, events, err := a.runtime.RunStream(ctx, req)
	if err != nil {
		return err
	}
	return printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), events)
}

func printEvents(stdout, stderr io.Writer, events <-chan stream.Event) error {
	for ev := range events {
		switch ev.Type {
		case stream.TypeTextDelta:
			fmt.Fprint(stdout, ev.Text)
		case stream.TypeToolFinished:
			fmt.Fprintf(stderr, "\n→ %s\n", ev.Tool.Name)
		case stream.TypeToolResult:
			status := "ok"
			if !ev.Tool.Success {
				status = "failed: " + ev.Tool.Error
			}
			fmt.Fprintf(stderr, "← %s %s (%dms)\n", ev.Tool.Name, status, ev.Tool.DurationMS)
		case stream.TypeDone:
			fmt.Fprintln(stdout)
			d := ev.Done
			fmt.Fprintf(stderr, "[%s] %d turns, tools: %s\n", d.Reason, d.TurnsUsed, strings.Join(d.ToolsCalled, ", "))
			if !d.Success {
				return fmt.Errorf("run ended: %s", d.Reason)
			}
			return nil
		case stream.TypeError:
			fmt.Fprintln(stdout)
			return errors.New(ev.Error)
		}
	}
	return errors.New("event stream closed without a result")
}
