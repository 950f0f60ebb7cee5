package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/spf13/cobra"

	"workflow-engine-service/internal/workflow-manager/api"
	wmKafka "workflow-engine-service/internal/workflow-manager/kafka"
	"workflow-engine-service/internal/workflow-manager/services"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the recurrence job and the status command consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appCtx, appCancel := context.WithCancel(context.Background())
			defer appCancel()

			e, err := newEngine(appCtx, cfg)
			if err != nil {
				return err
			}

			var commands *services.StatusCommandService
			if cfg.KafkaEnabled {
				reader := wmKafka.NewKafkaReader(cfg.KafkaBrokers, cfg.StatusCommandTopic, cfg.StatusCommandGroup)
				commands = services.NewStatusCommandService(e.Workflow, reader)
				commands.StartConsuming(appCtx)
			}

			if err := e.Scheduler.Start(); err != nil {
				return err
			}

			h := server.Default(server.WithHostPorts(cfg.ServerAddr), server.WithExitWaitTime(5*time.Second))
			api.RegisterRoutes(h, api.NewTemplateHandler(e.Store), api.NewWorkflowHandler(e.Workflow))

			go func() {
				signals := make(chan os.Signal, 1)
				signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
				sig := <-signals
				hlog.Infof("Received signal: %s. Initiating graceful shutdown...", sig)

				appCancel()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := h.Shutdown(shutdownCtx); err != nil {
					hlog.Errorf("Hertz server shutdown error: %v", err)
				} else {
					hlog.Info("Hertz server gracefully stopped.")
				}

				e.Scheduler.Stop()
				if commands != nil {
					commands.Close()
					select {
					case <-commands.Done():
					case <-shutdownCtx.Done():
						hlog.Warn("Status command consumer did not stop before the shutdown deadline.")
					}
				}
				e.Close()
				hlog.Info("Workflow Manager gracefully shut down.")
			}()

			hlog.Infof("Workflow Manager Service fully initialized and starting Hertz server on %s...", cfg.ServerAddr)
			h.Spin()
			return nil
		},
	}
}
