package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"workflow-engine-service/internal/workflow-manager/services"
)

func recurCmd() *cobra.Command {
	var nowFlag string
	cmd := &cobra.Command{
		Use:   "recur",
		Short: "Generate every due occurrence of recurring templates once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if nowFlag != "" {
				t, err := time.Parse(time.DateOnly, nowFlag)
				if err != nil {
					return fmt.Errorf("invalid --now %q: %w", nowFlag, err)
				}
				now = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				created, runErr := e.Workflow.RunScheduledRecurrence(ctx, now)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Work ID", "Template", "Client", "Title", "Start", "Due"})
				for _, w := range created {
					due := ""
					if w.DueDate != nil {
						due = w.DueDate.Format(time.DateOnly)
					}
					tmpl := uint(0)
					if w.TemplateOriginID != nil {
						tmpl = *w.TemplateOriginID
					}
					tw.AppendRow(table.Row{w.ID, tmpl, w.ClientID, w.Title, w.StartDate.Format(time.DateOnly), due})
				}
				tw.AppendFooter(table.Row{"", "", "", "Created", len(created), ""})
				tw.Render()
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&nowFlag, "now", "", "evaluation date (YYYY-MM-DD), defaults to today")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				fmt.Println("Database schema is up to date.")
				return nil
			})
		},
	}
}

func templatesCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "templates", Short: "Manage templates"}
	tpl.AddCommand(templatesImportCmd())
	return tpl
}

func templatesImportCmd() *cobra.Command {
	var file string
	var firmID uint
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import template definitions from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			defs, err := services.ParseTemplateDefinitions(f)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				created, err := e.Store.ImportTemplates(ctx, firmID, defs)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Firm", "Name", "Recurrence", "Tasks", "Rules"})
				for _, t := range created {
					tw.AppendRow(table.Row{t.ID, t.FirmID, t.Name, t.RecurrenceRule, len(t.Tasks), len(t.Rules)})
				}
				tw.Render()
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a templates list")
	cmd.Flags().UintVar(&firmID, "firm", 0, "firm id for definitions without one")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}
