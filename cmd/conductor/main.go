package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/craftline/conductor/internal/cli"
	"github.com/craftline/conductor/internal/config"
	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/flows"
	"github.com/craftline/conductor/internal/httpserver"
	"github.com/craftline/conductor/internal/link"
	"github.com/craftline/conductor/internal/logging"
	"github.com/craftline/conductor/internal/metrics"
	"github.com/craftline/conductor/internal/otel"
	"github.com/craftline/conductor/internal/workflow"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module("conductor"),
		otel.Module("conductor"),
		metrics.Module(),
		entity.Module(),
		workflow.Module(),
		link.Module(),
		flows.Module(),
		httpserver.Module(),
		fx.Invoke(func(engine *workflow.Engine, recorder *metrics.Recorder) {
			engine.Subscribe(recorder.Events())
		}),
	)

	app.Run()
}
