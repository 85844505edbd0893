package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd(version string) *cobra.Command {
	v := viper.New()
	var cfgFile, envFile string

	rootCmd := &cobra.Command{
		Use:           "modhub",
		Short:         "Module registry with model-ranked search",
		Long:          `Lists modules from a source tree with derived identities, persists module records, and ranks modules, files or arbitrary options against a natural-language query.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with HUB_* variables, loaded when present")
	flags.String("source-dir", "", "directory holding module source")
	flags.String("store-dir", "", "directory holding module records")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (text|json)")
	flags.Bool("json", false, "Output in JSON format")

	_ = v.BindPFlag("registry.source_dir", flags.Lookup("source-dir"))
	_ = v.BindPFlag("store.dir", flags.Lookup("store-dir"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newModulesCmd(v),
		newQueryCmd(v),
		newFilesCmd(v),
		newFeedbackCmd(v),
	)
	return rootCmd
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}
