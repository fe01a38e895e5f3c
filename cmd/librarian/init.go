package main

import (
	"fmt"

	"github.com/marmos91/librarian/pkg/config"
	"github.com/spf13/cobra"
)

var (
	initForce bool
	initPath  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a commented default configuration file.

Examples:
  # Write to $XDG_CONFIG_HOME/librarian/config.yaml
  librarian init

  # Write somewhere else, replacing an existing file
  librarian init --path ./librarian.yaml --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := initPath
		if path == "" {
			var err error
			if path, err = config.InitConfig(initForce); err != nil {
				return err
			}
		} else if err := config.InitConfigToPath(path, initForce); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing file")
	initCmd.Flags().StringVar(&initPath, "path", "", "write to this path instead of the default location")
}
