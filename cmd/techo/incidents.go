package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"techo/internal/app"
	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/engine/auth"
	"techo/internal/events"
	"techo/internal/repo"
)

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{
		Use:   "incident",
		Short: "Report and follow incidents",
		Long:  "Incidents move abierta -> en_proceso -> resuelta -> cerrada. en_espera pauses work and descartada drops it with a comment.",
	}
	inc.AddCommand(incidentCreateCmd())
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentShowCmd())
	inc.AddCommand(incidentEditCmd())
	inc.AddCommand(incidentMoveCmd())
	inc.AddCommand(incidentCommentCmd())
	inc.AddCommand(incidentAssignCmd())
	inc.AddCommand(incidentMediaCmd())
	inc.AddCommand(incidentHistoryCmd())
	inc.AddCommand(incidentLifecycleCmd())
	return inc
}

func incidentCreateCmd() *cobra.Command {
	var unitID, description, category, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report an incident on your housing unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				d := engine.IncidentDraft{HousingUnitID: unitID, Description: description}
				if category != "" {
					c := domain.Category(category)
					d.Category = &c
				}
				if priority != "" {
					p := domain.Priority(priority)
					d.Priority = &p
				}
				created, err := a.Engine.CreateIncident(ctx, actor, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&unitID, "unit", "", "housing unit id")
	cmd.Flags().StringVar(&description, "description", "", "what is wrong")
	cmd.Flags().StringVar(&category, "category", "", "electrica, plomeria, estructural, otra")
	cmd.Flags().StringVar(&priority, "priority", "", "alta, media, baja")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents visible to you, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				items, more, err := a.Engine.ListIncidents(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "has_more": more})
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					cat := "-"
					if it.Category != nil {
						cat = string(*it.Category)
					}
					rows = append(rows, table.Row{it.ID, it.Status, it.Priority, cat, deref(it.AssigneeID), truncate(it.Description, 48)})
				}
				renderTable(table.Row{"ID", "Status", "Priority", "Category", "Assignee", "Description"}, rows)
				if more {
					fmt.Println("more results available; use --offset")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&f.Unassigned, "unassigned", false, "only unassigned incidents")
	cmd.Flags().StringVar(&f.HousingUnitID, "unit", "", "housing unit filter")
	cmd.Flags().StringVar(&f.Text, "q", "", "text search in descriptions")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "page offset")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an incident with its deadlines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				inc, err := a.Engine.GetIncident(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"incident":    inc,
					"transitions": moves(engine.AllowedTransitions(inc.Status, actor.Role)),
				})
			})
		},
	}
	return cmd
}

func moves(ts []engine.Transition) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		label := string(t.To)
		if t.CommentRequired {
			label += " (comment required)"
		}
		out = append(out, label)
	}
	return out
}

func incidentLifecycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lifecycle",
		Short: "Print the incident transition table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts := engine.Transitions()
			if viper.GetBool("json") {
				return printJSON(ts)
			}
			rows := make([]table.Row, 0, len(ts))
			for _, t := range ts {
				roles := make([]string, 0, len(t.Roles))
				for _, r := range t.Roles {
					roles = append(roles, string(r))
				}
				comment := ""
				if t.CommentRequired {
					comment = "yes"
				}
				rows = append(rows, table.Row{t.From, t.To, strings.Join(roles, ", "), comment, t.Action})
			}
			renderTable(table.Row{"From", "To", "Roles", "Comment", "Action"}, rows)
			return nil
		},
	}
}

func incidentEditCmd() *cobra.Command {
	var description, category, priority string
	var clearCategory bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit description, category or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				var p engine.IncidentPatch
				if cmd.Flags().Changed("description") {
					p.Description = &description
				}
				if cmd.Flags().Changed("category") {
					c := domain.Category(category)
					p.Category = &c
				}
				if clearCategory {
					c := domain.Category("")
					p.Category = &c
				}
				if cmd.Flags().Changed("priority") {
					pr := domain.Priority(priority)
					p.Priority = &pr
				}
				updated, err := a.Engine.EditIncident(ctx, actor, args[0], p)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&category, "category", "", "new category")
	cmd.Flags().BoolVar(&clearCategory, "clear-category", false, "remove the category")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	return cmd
}

func incidentMoveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move an incident to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				updated, err := a.Engine.TransitionIncident(ctx, actor, args[0], domain.IncidentStatus(args[1]), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment (required to discard or reject a resolution)")
	return cmd
}

func incidentCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment <id> <text>",
		Short: "Comment on an incident",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				evt, err := a.Engine.CommentIncident(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func incidentAssignCmd() *cobra.Command {
	var suggest bool
	cmd := &cobra.Command{
		Use:   "assign <id> [technician-id]",
		Short: "Assign a technician; omit the id to unassign",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				var target *string
				if len(args) == 2 {
					target = optionalString(args[1])
				}
				if suggest {
					tech, ok, err := a.Engine.SuggestTechnician(ctx, actor)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("no technicians registered")
					}
					target = &tech.ID
				}
				updated, err := a.Engine.AssignIncident(ctx, actor, args[0], target)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().BoolVar(&suggest, "suggest", false, "assign the least loaded technician")
	return cmd
}

func incidentMediaCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "media <id> <file>",
		Short: "Attach a photo or document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				m, err := a.Engine.AddIncidentMedia(ctx, actor, args[0], engine.Upload{
					Filename:    filepath.Base(args[1]),
					ContentType: contentType,
					Data:        data,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "override the detected content type")
	return cmd
}

func incidentHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show an incident's history grouped by day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				items, _, err := a.Engine.IncidentHistory(ctx, actor, args[0], limit, offset)
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

func exportCmd() *cobra.Command {
	exp := &cobra.Command{Use: "export", Short: "Export data"}
	var f repo.IncidentFilter
	var out string
	incidents := &cobra.Command{
		Use:   "incidents",
		Short: "Export incidents to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				data, err := a.Reports.ExportIncidents(ctx, actor, f)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", out)
				return nil
			})
		},
	}
	incidents.Flags().StringVar(&out, "out", "incidents.xlsx", "output file")
	incidents.Flags().StringVar(&f.Status, "status", "", "status filter")
	incidents.Flags().StringVar(&f.Category, "category", "", "category filter")
	incidents.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	incidents.Flags().StringVar(&f.HousingUnitID, "unit", "", "housing unit filter")
	exp.AddCommand(incidents)
	return exp
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Render incident and checklist reports",
		Long:  "With --html the report is written locally. Otherwise it is rendered to PDF by the configured renderer and stored.",
	}
	for _, kind := range []string{"incident", "form"} {
		rep.AddCommand(reportKindCmd(kind))
	}
	return rep
}

func reportKindCmd(kind string) *cobra.Command {
	var htmlOut string
	cmd := &cobra.Command{
		Use:   kind + " <id>",
		Short: "Report for one " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if htmlOut != "" {
					var (
						html []byte
						err  error
					)
					if kind == "incident" {
						html, err = a.Reports.IncidentHTML(ctx, actor, args[0])
					} else {
						html, err = a.Reports.FormHTML(ctx, actor, args[0])
					}
					if err != nil {
						return err
					}
					if err := os.WriteFile(htmlOut, html, 0o644); err != nil {
						return err
					}
					fmt.Println("wrote", htmlOut)
					return nil
				}
				render := a.Reports.IncidentPDF
				if kind == "form" {
					render = a.Reports.FormPDF
				}
				obj, err := render(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"path": obj.Path, "url": obj.URL})
			})
		},
	}
	cmd.Flags().StringVar(&htmlOut, "html", "", "write the HTML report to this file instead")
	return cmd
}

func printHistory(items []domain.HistoryEvent, loc *time.Location) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	printEvents(items, loc)
	return nil
}

func printEvents(items []domain.HistoryEvent, loc *time.Location) {
	for _, day := range events.GroupByDay(items, loc) {
		fmt.Println(day.Day)
		for _, evt := range day.Events {
			line := fmt.Sprintf("  #%d %s %s %s/%s by %s", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
			if evt.FromState != nil || evt.ToState != nil {
				line += fmt.Sprintf(" [%s -> %s]", deref(evt.FromState), deref(evt.ToState))
			}
			if evt.Comment != "" {
				line += ": " + evt.Comment
			}
			fmt.Println(line)
		}
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
