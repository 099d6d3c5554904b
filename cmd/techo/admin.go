package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"techo/internal/app"
	"techo/internal/domain"
	"techo/internal/engine"
	"techo/internal/engine/auth"
)

func actorCmd() *cobra.Command {
	act := &cobra.Command{Use: "actor", Short: "Manage actors and their roles"}
	act.AddCommand(actorBootstrapCmd())
	act.AddCommand(actorAddCmd())
	act.AddCommand(actorListCmd())
	act.AddCommand(actorAPIKeyCmd())
	act.AddCommand(actorKeysCmd())
	act.AddCommand(actorRevokeKeyCmd())
	return act
}

func actorBootstrapCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first administrador (only while no actors exist)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.BootstrapActor(ctx, id, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actorAddCmd() *cobra.Command {
	var id, name, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an actor or change its role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				created, err := a.Engine.RegisterActor(ctx, actor, id, name, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role label (administrador, Técnico, técnico de campo, vecina, ...)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				items, err := a.Engine.ListActors(ctx, actor, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.Name, it.Role, it.RawRole})
				}
				renderTable(table.Row{"ID", "Name", "Role", "Label"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "only actors holding this role")
	return cmd
}

func actorAPIKeyCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue an API key; the plain key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				key, plain, err := a.Engine.IssueAPIKey(ctx, actor, target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "api_key": key})
				}
				fmt.Printf("API key for %s (%s): %s\n", key.ActorID, key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "for", "", "actor receiving the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("for")
	return cmd
}

func actorKeysCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List API keys (metadata only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				keys, err := a.Engine.ListAPIKeys(ctx, actor, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				renderTable(table.Row{"ID", "Actor", "Name", "Created"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "for", "", "actor whose keys to list (defaults to you)")
	return cmd
}

func actorRevokeKeyCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if err := a.Engine.RevokeAPIKey(ctx, actor, args[0], target); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "for", "", "owner of the key (defaults to you)")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage housing projects"}
	var name, address string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				p, err := a.Engine.CreateProject(ctx, actor, engine.ProjectDraft{Name: name, Address: address})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&address, "address", "", "address, geocoded when a Mapbox token is set")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				items, err := a.Engine.ListProjects(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.Address})
				}
				renderTable(table.Row{"ID", "Name", "Address"}, rows)
				return nil
			})
		},
	}
	prj.AddCommand(create, list)
	return prj
}

func unitCmd() *cobra.Command {
	unit := &cobra.Command{Use: "unit", Short: "Manage housing units"}
	var projectID, beneficiaryID, address, handover string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a housing unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				u, err := a.Engine.CreateHousingUnit(ctx, actor, engine.HousingUnitDraft{
					ProjectID:     projectID,
					BeneficiaryID: beneficiaryID,
					Address:       address,
					HandoverAt:    handover,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&beneficiaryID, "beneficiary", "", "beneficiary actor id")
	create.Flags().StringVar(&address, "address", "", "address")
	create.Flags().StringVar(&handover, "handover", "", "handover date (YYYY-MM-DD)")
	_ = create.MarkFlagRequired("project")

	var unlink bool
	beneficiary := &cobra.Command{
		Use:   "beneficiary <unit-id> [actor-id]",
		Short: "Link a beneficiary to a unit, or unlink with --unlink",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) == 2 {
				target = args[1]
			}
			if target == "" && !unlink {
				return fmt.Errorf("actor id or --unlink required")
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				u, err := a.Engine.AssignBeneficiary(ctx, actor, args[0], target)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	beneficiary.Flags().BoolVar(&unlink, "unlink", false, "remove the current beneficiary")

	var listProject string
	list := &cobra.Command{
		Use:   "list",
		Short: "List housing units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				items, err := a.Engine.ListHousingUnits(ctx, actor, listProject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, u := range items {
					rows = append(rows, table.Row{u.ID, u.ProjectID, deref(u.BeneficiaryID), u.Address, deref(u.HandoverAt)})
				}
				renderTable(table.Row{"ID", "Project", "Beneficiary", "Address", "Handover"}, rows)
				return nil
			})
		},
	}
	list.Flags().StringVar(&listProject, "project", "", "project id")
	unit.AddCommand(create, beneficiary, list)
	return unit
}

func techniciansCmd() *cobra.Command {
	var suggest bool
	cmd := &cobra.Command{
		Use:   "technicians",
		Short: "Technicians and their active workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor auth.Actor) error {
				if suggest {
					tech, ok, err := a.Engine.SuggestTechnician(ctx, actor)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("no technicians registered")
					}
					return printJSONOrTable(tech)
				}
				items, err := a.Engine.ListTechnicians(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTechnicians(items)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&suggest, "suggest", false, "only the least loaded technician")
	return cmd
}

func printTechnicians(items []domain.Technician) {
	rows := make([]table.Row, 0, len(items))
	for _, t := range items {
		rows = append(rows, table.Row{t.ID, t.Name, t.Role, t.ActiveIncidentCount, t.Workload})
	}
	renderTable(table.Row{"ID", "Name", "Role", "Active", "Workload"}, rows)
}
