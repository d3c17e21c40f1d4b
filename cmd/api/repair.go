package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"storyboard/api/internal/ordering"
)

func newRepairCommand(ctx *commandContext) *cobra.Command {
	var userID, projectID int64
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Check one scope's shot order against its shots and fix drift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			scope := cfg.DefaultScope()
			if cmd.Flags().Changed("user") {
				scope.UserID = userID
			}
			if cmd.Flags().Changed("project") {
				scope.ProjectID = projectID
			}

			b, err := openBackend(cmd.Context(), cfg, ctx.log(), false)
			if err != nil {
				return err
			}
			defer b.Close()

			if scope.UserID == cfg.DefaultUserID {
				if err := b.service.Bootstrap(cmd.Context()); err != nil {
					return err
				}
			}
			report, err := b.service.RepairScope(cmd.Context(), scope)
			if err != nil {
				return err
			}
			if report.Action != ordering.RepairNone {
				ctx.log().Warn("scope repaired", "scope", scope.String(), "action", report.Action)
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "User id of the scope (defaults to the configured default user)")
	cmd.Flags().Int64Var(&projectID, "project", 0, "Project id of the scope (defaults to the configured default project)")
	return cmd
}
