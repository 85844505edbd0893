package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"modhub/internal/module/models"
	searchmodels "modhub/internal/search/models"
)

func newQueryCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <query> [option...]",
		Short: "Rank options against a query",
		Long: `Rank options against a query with the configured model.

Options come from the arguments after the query, from stdin (one per line)
when "-" is given, or from the registry's module names with --modules.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			options, err := queryOptions(cmd, args[1:])
			if err != nil {
				return err
			}
			if useModules, _ := cmd.Flags().GetBool("modules"); useModules {
				res, err := a.modules.List(cmd.Context(), models.ListRequest{Lite: true, PageSize: models.MaxPageSize})
				if err != nil {
					return fmt.Errorf("list modules: %w", err)
				}
				for _, m := range res.Modules {
					options = append(options, m.Name)
				}
			}

			search, err := a.searchService(cmd.Context())
			if err != nil {
				return err
			}
			req := searchmodels.QueryRequest{Query: args[0], Options: options}
			req.N, _ = cmd.Flags().GetInt("number")
			if cmd.Flags().Changed("threshold") {
				t, _ := cmd.Flags().GetFloat64("threshold")
				req.Threshold = &t
			}

			res, err := search.Query(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			return outputResults(cmd, res)
		},
	}
	cmd.Flags().IntP("number", "n", 10, "Maximum results")
	cmd.Flags().Float64("threshold", 0.5, "minimum score a match must exceed")
	cmd.Flags().Bool("modules", false, "rank registered module names")
	return cmd
}

func newFilesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files <query>",
		Short: "Find the files under a path that match a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			search, err := a.searchService(cmd.Context())
			if err != nil {
				return err
			}
			req := searchmodels.FilesRequest{Query: args[0]}
			req.Path, _ = cmd.Flags().GetString("path")
			req.N, _ = cmd.Flags().GetInt("number")

			res, err := search.Files(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("files: %w", err)
			}
			return outputResults(cmd, res)
		},
	}
	cmd.Flags().StringP("path", "p", "", "directory to search, relative to the files root")
	cmd.Flags().IntP("number", "n", 10, "Maximum results")
	cmd.Flags().String("files-root", "", "directory file searches are confined to")
	_ = v.BindPFlag("search.files_root", cmd.Flags().Lookup("files-root"))
	return cmd
}

func newFeedbackCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <module>",
		Short: "Ask the model to review a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			search, err := a.searchService(cmd.Context())
			if err != nil {
				return err
			}
			fb, err := search.Feedback(cmd.Context(), searchmodels.FeedbackRequest{Module: args[0]})
			if err != nil {
				return fmt.Errorf("feedback: %w", err)
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, fb)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/100\n%s\n", fb.Module, fb.Score, fb.Pointers)
			return nil
		},
	}
}

// queryOptions expands "-" into lines read from stdin.
func queryOptions(cmd *cobra.Command, args []string) ([]string, error) {
	var options []string
	for _, arg := range args {
		if arg != "-" {
			options = append(options, arg)
			continue
		}
		lines, err := readLines(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read options: %w", err)
		}
		options = append(options, lines...)
	}
	return options, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func outputResults(cmd *cobra.Command, res *searchmodels.Result) error {
	if wantJSON(cmd) {
		return outputJSON(cmd, res)
	}
	for _, r := range res.Results {
		fmt.Fprintln(cmd.OutOrStdout(), r)
	}
	return nil
}
