package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentloop/internal/adapter/litellm"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/tool"
	"github.com/Strob0t/agentloop/internal/resilience"
	"github.com/Strob0t/agentloop/internal/service"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), flagConfig)
		if err != nil {
			return err
		}
		defer closeApp(a)
		printTools(cmd.OutOrStdout(), a.runtime.Registry().Definitions(nil))
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show the provider fallback chain and tier models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), flagConfig)
		if err != nil {
			return err
		}
		defer closeApp(a)

		out := cmd.OutOrStdout()
		printProviders(out, a.runtime.Gateway().Health())

		if lc := a.cfg.Providers.LiteLLM; lc.APIKey != "" {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			client := litellm.NewClient(lc.BaseURL, lc.APIKey)
			client.SetBreaker(resilience.NewBreaker(a.cfg.Breaker.MaxFailures, a.cfg.Breaker.Timeout))
			models, err := client.ListModels(ctx)
			if err != nil {
				fmt.Fprintf(out, "\nlitellm models unavailable: %v\n", err)
				return nil
			}
			fmt.Fprintln(out)
			printProxyModels(out, models)
		}
		return nil
	},
}

func printTools(w io.Writer, defs []tool.Definition) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCATEGORY\tREQUIRED\tDESCRIPTION")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Category, strings.Join(d.Parameters.Required, ","), d.Description)
	}
	_ = tw.Flush()
}

func printProviders(w io.Writer, health []service.VendorHealth) {
	if len(health) == 0 {
		fmt.Fprintln(w, "no providers configured")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tVENDOR\tBREAKER\tFAST\tSMART\tCREATIVE")
	for i, h := range health {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, h.Name, h.Breaker,
			h.Models[llm.TierFast], h.Models[llm.TierSmart], h.Models[llm.TierCreative])
	}
	_ = tw.Flush()
}

func printProxyModels(w io.Writer, models []litellm.Model) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROXY MODEL\tUPSTREAM\tCONTEXT")
	for _, m := range models {
		window := "-"
		if n := m.ContextWindow(); n > 0 {
			window = fmt.Sprint(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ModelName, m.Upstream(), window)
	}
	_ = tw.Flush()
}
