package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/appmaker/pkg/client"
)

// command binds client subcommands to an output stream.
type command struct {
	out io.Writer
}

// daemon returns a client for the configured daemon, failing fast when it
// does not answer.
func (c command) daemon(ctx context.Context, f ClientFlags) (*client.Client, error) {
	api := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable - please start daemon first with 'appmaker serve'")
	}
	return api, nil
}

func (c command) Projects(ctx context.Context, f ClientFlags) error {
	api, err := c.daemon(ctx, f)
	if err != nil {
		return err
	}
	list, err := api.ListProjects(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(c.out, "no projects")
		return nil
	}
	for _, p := range list {
		_, _ = fmt.Fprintf(c.out, "%s\t%s\t%s\n", p.ProjectID, p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Name)
	}
	return nil
}

// Generate creates a project, or updates one when f.ProjectID is set.
func (c command) Generate(ctx context.Context, f GenerateFlags, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	api, err := c.daemon(ctx, f.ClientFlags)
	if err != nil {
		return err
	}
	req := client.GenerateRequest{Prompt: prompt, Provider: f.Provider, Model: f.Model}
	var p client.Project
	if f.ProjectID == "" {
		p, err = api.CreateProject(ctx, req)
	} else {
		p, err = api.Generate(ctx, f.ProjectID, req)
	}
	if err != nil {
		return err
	}
	printProject(c.out, p)
	return nil
}

func (c command) Fix(ctx context.Context, f GenerateFlags) error {
	if f.ProjectID == "" {
		return fmt.Errorf("--project is required")
	}
	api, err := c.daemon(ctx, f.ClientFlags)
	if err != nil {
		return err
	}
	p, err := api.Fix(ctx, f.ProjectID, client.FixRequest{
		Instructions: f.Instructions,
		Provider:     f.Provider,
		Model:        f.Model,
	})
	if err != nil {
		return err
	}
	printProject(c.out, p)
	return nil
}

func (c command) Run(ctx context.Context, f ClientFlags, projectID string) error {
	api, err := c.daemon(ctx, f)
	if err != nil {
		return err
	}
	res, err := api.Run(ctx, projectID)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Stop(ctx context.Context, f ClientFlags) error {
	api, err := c.daemon(ctx, f)
	if err != nil {
		return err
	}
	res, err := api.Stop(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Status(ctx context.Context, f ClientFlags) error {
	api := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	st, err := api.Status(ctx)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	printJSON(c.out, st)
	return nil
}

// Problem prints the problem recorded for the project's latest run.
func (c command) Problem(ctx context.Context, f ClientFlags, projectID string) error {
	api, err := c.daemon(ctx, f)
	if err != nil {
		return err
	}
	p, err := api.Problem(ctx, projectID)
	if err != nil {
		return err
	}
	if p == nil {
		_, _ = fmt.Fprintln(c.out, "no problem recorded")
		return nil
	}
	printJSON(c.out, p)
	return nil
}

func (c command) Logs(ctx context.Context, f ClientFlags) error {
	api, err := c.daemon(ctx, f)
	if err != nil {
		return err
	}
	lines, err := api.Logs(ctx)
	if err != nil {
		return err
	}
	for _, l := range lines {
		_, _ = fmt.Fprintln(c.out, l)
	}
	return nil
}

func (c command) Options(ctx context.Context, f ClientFlags) error {
	api, err := c.daemon(ctx, f)
	if err != nil {
		return err
	}
	opts, err := api.LLMOptions(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, opts)
	return nil
}

func createProjectsCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List generated projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Projects(cmd.Context(), *flags)
		},
	}
}

func createGenerateCommand(c command, clientFlags *ClientFlags) *cobra.Command {
	flags := &GenerateFlags{}
	cmd := &cobra.Command{
		Use:   "generate PROMPT...",
		Short: "Generate a new project or update an existing one",
		Long: `Send a prompt to the model. Without --project a new project is created;
with --project the existing files are sent as context and rewritten.

Examples:
  appmaker generate "a calculator with a history panel"
  appmaker generate --project=ID --provider=gemini "use a dark theme"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ClientFlags = *clientFlags
			return c.Generate(cmd.Context(), *flags, strings.Join(args, " "))
		},
	}
	addModelFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.ProjectID, "project", "", "project to update")
	return cmd
}

func createFixCommand(c command, clientFlags *ClientFlags) *cobra.Command {
	flags := &GenerateFlags{}
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Ask the model to repair a project's recorded problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.ClientFlags = *clientFlags
			return c.Fix(cmd.Context(), *flags)
		},
	}
	addModelFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.ProjectID, "project", "", "project to fix (required)")
	cmd.Flags().StringVar(&flags.Instructions, "instructions", "", "extra guidance for the fix")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func addModelFlags(cmd *cobra.Command, flags *GenerateFlags) {
	cmd.Flags().StringVar(&flags.Provider, "provider", "", "model provider (default from config)")
	cmd.Flags().StringVar(&flags.Model, "model", "", "model name (default: provider's first model)")
}

func createRunCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run PROJECT_ID",
		Short: "Run a project, replacing the running application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), *flags, args[0])
		},
	}
}

func createStopCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context(), *flags)
		},
	}
}

func createStatusCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
}

func createProblemCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "problem PROJECT_ID",
		Short: "Show the problem recorded for a project's last run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Problem(cmd.Context(), *flags, args[0])
		},
	}
}

func createLogsCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Print the daemon activity log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Logs(cmd.Context(), *flags)
		},
	}
}

func createOptionsCommand(c command, flags *ClientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured model providers and their models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Options(cmd.Context(), *flags)
		},
	}
}
