package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentloop/internal/service"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute runs queued on NATS",
	Long: "Consume run requests from the run start subject, execute them and publish\n" +
		"their events and completions. Workers share one durable consumer, so any\n" +
		"number can run side by side.",
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flagConfig)
	if err != nil {
		return err
	}
	defer closeApp(a)
	if a.queue == nil {
		return errors.New("worker requires nats.enabled")
	}

	a.setSinks(service.EventSinks{service.NewQueueSink(a.queue, a.log)})

	cancel, err := service.NewRunWorker(a.runtime, a.queue, a.log).Start(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	a.log.Info("worker started", "ack_wait", a.cfg.Agent.Timeout+ackMargin)
	<-ctx.Done()
	a.log.Info("worker stopping")
	return nil
}
