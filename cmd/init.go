package cmd

import (
	"fmt"

	"github.com/encodeous/dockmesh/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [id]",
	Short: "Create a node configuration",
	Long:  `Writes a sample node configuration with six dock connectors, rd0 to rd5.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := state.NameValidator(id); err != nil {
			return err
		}
		family := state.FamilyIPv6
		if ok, _ := cmd.Flags().GetBool("ipv4"); ok {
			family = state.FamilyIPv4
		}
		cfg := state.SampleNodeConfig(state.NodeId(id), family)

		out, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		outPath := cmd.Flag("output").Value.String()
		force, _ := cmd.Flags().GetBool("force")
		if err := writeNewFile(outPath, out, force); err != nil {
			return err
		}
		fmt.Printf("Wrote the config of %s to %s\n", id, outPath)
		return nil
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", DefaultNodeConfigPath, "node config output file path")
	initCmd.Flags().Bool("ipv4", false, "route IPv4 addresses instead of IPv6")
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
}
