package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"techo/internal/app"
	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/engine/auth"
)

func formCmd() *cobra.Command {
	form := &cobra.Command{
		Use:   "form",
		Short: "Fill and review the unit checklist",
		Long:  "A checklist starts as borrador, becomes enviada once every item is answered and submitted, and revisada after a technician reviews it.",
	}
	form.AddCommand(formOpenCmd())
	form.AddCommand(formShowCmd())
	form.AddCommand(formAnswerCmd())
	form.AddCommand(formPhotoCmd())
	form.AddCommand(formSubmitCmd())
	form.AddCommand(formReviewCmd())
	form.AddCommand(formHistoryCmd())
	return form
}

func formOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <unit-id>",
		Short: "Open the checklist for your unit, or show the existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				f, _, err := a.Engine.EnsureForm(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printForm(f)
			})
		},
	}
	return cmd
}

func formShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <form-id>",
		Short: "Show a checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				f, err := a.Engine.GetForm(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printForm(f)
			})
		},
	}
	return cmd
}

func formAnswerCmd() *cobra.Command {
	var ok, reset, createIncident bool
	var severity, comment string
	cmd := &cobra.Command{
		Use:   "answer <form-id> <item>",
		Short: "Answer one item, by id or template code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p engine.ItemPatch
			if cmd.Flags().Changed("ok") {
				p.OK = &ok
			}
			p.ClearOK = reset
			if cmd.Flags().Changed("severity") {
				sev := domain.Severity(severity)
				p.Severity = &sev
			}
			if cmd.Flags().Changed("comment") {
				p.Comment = &comment
			}
			if cmd.Flags().Changed("create-incident") {
				p.CreateIncident = &createIncident
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				item, err := a.Engine.UpdateFormItem(ctx, actor, args[0], args[1], p)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().BoolVar(&ok, "ok", false, "the item is fine (--ok=false when it fails)")
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the answer")
	cmd.Flags().StringVar(&severity, "severity", "", "mayor, media, menor")
	cmd.Flags().StringVar(&comment, "comment", "", "what is wrong")
	cmd.Flags().BoolVar(&createIncident, "create-incident", true, "open an incident for a failing item on review")
	return cmd
}

func formPhotoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photo <form-id> <item> <file>",
		Short: "Attach a photo to an item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				item, err := a.Engine.AddItemPhoto(ctx, actor, args[0], args[1], engine.Upload{Filename: filepath.Base(args[2]), Data: data})
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func formSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <form-id>",
		Short: "Submit a fully answered checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				f, err := a.Engine.SubmitForm(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printForm(f)
			})
		},
	}
	return cmd
}

func formReviewCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "review <form-id>",
		Short: "Review a submitted checklist and open incidents for failing items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				res, err := a.Engine.ReviewForm(ctx, actor, args[0], comment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Form %s is %s; %d incident(s) opened\n", res.Form.ID, res.Form.Status, len(res.Incidents))
				for _, inc := range res.Incidents {
					fmt.Printf("  %s [%s] %s\n", inc.ID, inc.Priority, truncate(inc.Description, 60))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "review comment")
	return cmd
}

func formHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <form-id>",
		Short: "Show a checklist's history grouped by day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				items, _, err := a.Engine.FormHistory(ctx, actor, args[0], limit, offset)
				if err != nil {
					return err
				}
				return printHistory(items, a.Reports.Location)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func printForm(f domain.ChecklistForm) error {
	progress := engine.Progress(f)
	if viper.GetBool("json") {
		return printJSON(map[string]any{"form": f, "progress": progress})
	}
	fmt.Printf("Form %s (%s) unit %s: %d/%d answered, %d failing\n", f.ID, f.Status, f.HousingUnitID, progress.Answered, progress.Total, progress.Failing)
	rows := make([]table.Row, 0, len(f.Items))
	for _, it := range f.Items {
		answer := "-"
		if it.OK != nil {
			answer = "ok"
			if !*it.OK {
				answer = "falla"
			}
		}
		sev := "-"
		if it.Severity != nil {
			sev = string(*it.Severity)
		}
		rows = append(rows, table.Row{it.Position, it.Code, it.Room, it.Label, answer, sev, len(it.Photos)})
	}
	renderTable(table.Row{"#", "Code", "Room", "Item", "Answer", "Severity", "Photos"}, rows)
	return nil
}
