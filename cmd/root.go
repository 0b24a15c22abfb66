package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dockmesh",
	Short: "Routing daemon for docking modular robots",
	Long: `dockmesh keeps a distance-vector routing table on every module of a modular robot.
Modules exchange advertisements over their dock connectors, so every module can reach every other module
no matter how the robot is assembled.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize dockmesh",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "dm",
		Title: "dockmesh Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "tools",
		Title: "Debugging Tools",
	})
}
