package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/encodeous/dockmesh/rtable"
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decodes a captured advertisement",
	Long:  `Decodes an advertisement given as hex, e.g. copied from a packet capture. Whitespace and colons are ignored.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := decodeAdvertisement(args[0])
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
	GroupID: "tools",
}

func decodeAdvertisement(s string) (string, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	pkt, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	if len(pkt) < rtable.HeaderSize {
		return "", rtable.ErrTooShort
	}
	// the header says which family it carries
	adv, err := rtable.DecodeAdvertisement(pkt, int(pkt[1]))
	if err != nil {
		return "", err
	}
	return adv.String(), nil
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}
