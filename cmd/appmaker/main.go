package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/appmaker"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen    string
	Daemonize bool
	PidFile   string
	LogFile   string
}

// ClientFlags selects the daemon a client command talks to
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// GenerateFlags holds flags for generate and fix
type GenerateFlags struct {
	ClientFlags
	ProjectID    string
	Provider     string
	Model        string
	Instructions string
}

func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags, clientFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createProjectsCommand(c, clientFlags),
		createGenerateCommand(c, clientFlags),
		createFixCommand(c, clientFlags),
		createRunCommand(c, clientFlags),
		createStopCommand(c, clientFlags),
		createStatusCommand(c, clientFlags),
		createProblemCommand(c, clientFlags),
		createLogsCommand(c, clientFlags),
		createOptionsCommand(c, clientFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, clientFlags *ClientFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appmaker",
		Short: "Generate and run desktop applications from prompts",
		Long: `Appmaker turns natural-language prompts into small desktop applications,
stores them as projects and runs one of them at a time.

Examples:
  appmaker serve                                  # Start daemon
  appmaker generate "a pomodoro timer"            # New project
  appmaker generate --project=ID "add a reset button"
  appmaker run ID
  appmaker problem ID
  appmaker status --api-url=http://remote:8000/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&clientFlags.APIUrl, "api-url", "", "daemon API base URL (default: http://127.0.0.1:8000/api)")
	root.PersistentFlags().DurationVar(&clientFlags.APITimeout, "api-timeout", 5*time.Minute, "API request timeout")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the appmaker daemon",
		Long: `Start the daemon serving the HTTP API. Without a config file the built-in
defaults are used, overridden by APPMAKER_* environment variables.

Examples:
  appmaker serve
  appmaker serve config.toml
  appmaker serve --daemonize --pidfile=/tmp/appmaker.pid --logfile=/tmp/appmaker.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override [server].listen")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(configPath string, flags *ServeFlags) error {
	cfg, err := appmaker.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	app, err := appmaker.New(*cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Starting appmaker HTTP server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	if err := app.Serve(ctx); err != nil {
		return err
	}
	fmt.Println("Shutting down...")
	return nil
}
