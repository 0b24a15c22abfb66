package cmd

import (
	"fmt"
	"net/netip"

	"github.com/encodeous/dockmesh/core"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <ipc-path>",
	Aliases: []string{"i"},
	Short:   "Inspects the routing state of a running node",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		route, _ := cmd.Flags().GetString("route")
		var result string
		var err error
		if route != "" {
			addr, perr := netip.ParseAddr(route)
			if perr != nil {
				return perr
			}
			result, err = core.IPCRoute(args[0], addr)
		} else {
			result, err = core.IPCGet(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Print(result)
		return nil
	},
	GroupID: "dm",
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringP("route", "r", "", "Only show how the node reaches this address")
}
