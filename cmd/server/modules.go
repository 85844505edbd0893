package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modulehandler "modhub/internal/module/handler"
	"modhub/internal/module/models"
)

func newModulesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modules",
		Aliases: []string{"mod"},
		Short:   "Inspect and manage registered modules",
	}
	cmd.AddCommand(
		newModulesListCmd(v),
		newModulesAddCmd(v),
		newModulesRemoveCmd(v),
		newModulesUpdateCmd(v),
		newModulesClearCmd(v),
		newModulesRefreshCmd(v),
		newModulesCheckCmd(v),
	)
	return cmd
}

func newModulesListCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modules derived from the source tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			req := models.ListRequest{Lite: true}
			req.ForceUpdate, _ = cmd.Flags().GetBool("update")
			full, _ := cmd.Flags().GetBool("full")
			req.Lite = !full
			req.Page, _ = cmd.Flags().GetInt("page")
			req.PageSize, _ = cmd.Flags().GetInt("page-size")
			if cmd.Flags().Changed("max-age") {
				maxAge, _ := cmd.Flags().GetDuration("max-age")
				req.MaxAge = &maxAge
			}

			res, err := a.modules.List(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("list modules: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKEY\tHASH")
			for _, m := range res.Modules {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.IdentityKey, shortHash(m.ContentHash))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d modules (page %d)\n", len(res.Modules), res.Total, res.Page)
			return nil
		},
	}
	cmd.Flags().BoolP("update", "u", false, "force a rebuild")
	cmd.Flags().Duration("max-age", 0, "accept a cached listing up to this old")
	cmd.Flags().Bool("full", false, "include module code")
	cmd.Flags().Int("page", 1, "page number")
	cmd.Flags().Int("page-size", models.DefaultPageSize, "modules per page")
	return cmd
}

func newModulesAddCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a module record",
		Long:  `Register a module record. With --code-file the identity is derived from the file; otherwise --key is required.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			req := models.AddRequest{Name: args[0]}
			req.IdentityKey, _ = cmd.Flags().GetString("key")
			req.URL, _ = cmd.Flags().GetString("url")
			if codeFile, _ := cmd.Flags().GetString("code-file"); codeFile != "" {
				code, err := os.ReadFile(codeFile)
				if err != nil {
					return fmt.Errorf("read code: %w", err)
				}
				req.Code = string(code)
			}

			rec, err := a.modules.Add(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("add module: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, rec.Lite())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s as %s\n", rec.Name, rec.IdentityKey)
			return nil
		},
	}
	cmd.Flags().String("key", "", "identity key")
	cmd.Flags().String("code-file", "", "file holding the module code")
	cmd.Flags().String("url", "", "address the module is served at")
	return cmd
}

func newModulesRemoveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"remove"},
		Short:   "Remove a module record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.modules.Remove(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove module: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newModulesUpdateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "update <key>",
		Short: "Re-derive a module record from its current code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.modules.Update(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("update module: %w", err)
			}
			if wantJSON(cmd) {
				res.Record = res.Record.Lite()
				return outputJSON(cmd, res)
			}
			if res.KeyChanged {
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s: %s -> %s\n", res.Record.Name, res.PreviousKey, res.Record.IdentityKey)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged (%s)\n", res.Record.Name, res.Record.IdentityKey)
			return nil
		},
	}
}

func newModulesClearCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every module record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to clear module records without --yes")
			}
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.modules.Clear(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear modules: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d module records\n", n)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "confirm removal")
	return cmd
}

func newModulesRefreshCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the module listing now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.modules.Refresh(cmd.Context())
			if err != nil {
				return fmt.Errorf("refresh modules: %w", err)
			}
			res := modulehandler.FromReport(report)
			if wantJSON(cmd) {
				return outputJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d modules in %s\n", res.Modules, time.Duration(res.DurationMS)*time.Millisecond)
			for _, s := range res.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped %s: %s\n", s.Name, s.Error)
			}
			return nil
		},
	}
}

func newModulesCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate every persisted module record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			checked, err := a.modules.Check(cmd.Context())
			if err != nil {
				return fmt.Errorf("check modules: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, modulehandler.CheckResponse{Modules: checked})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKEY\tOK\tISSUE")
			for _, c := range checked {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", c.Name, c.IdentityKey, c.Check, c.Issue)
			}
			return tw.Flush()
		},
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
