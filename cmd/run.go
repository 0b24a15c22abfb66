package cmd

import (
	"github.com/encodeous/dockmesh/core"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run dockmesh",
	Long: `This will run the routing daemon on the current module, advertising over every configured dock connector.
The host needs IPv6 link-local addresses on the connector devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := core.ReadNodeConfig(cmd.Flag("config").Value.String())
		if err != nil {
			return err
		}
		debugAddr, _ := cmd.Flags().GetString("debug")
		return core.Start(*cfg, logLevel(cmd), debugAddr)
	},
	GroupID: "dm",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", DefaultNodeConfigPath, "Path to the node config")
	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("debug", "d", "", "Serve /debug/metrics, /debug/vars and pprof on this address")
}
