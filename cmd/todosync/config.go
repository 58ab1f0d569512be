package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todosync/todosync/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with the default settings",
	Annotations: map[string]string{annotationNoConfig: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.Default().WriteFile(path, configInitForce); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", passStyle.Render(iconPass), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and TODOSYNC_*
environment variables are applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
