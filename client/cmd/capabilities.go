package cmd

import (
	"context"
	"fmt"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/spf13/cobra"

	"github.com/sdcio/dsruntime/pkg/utils"
)

// capabilitiesCmd represents the capabilities command
var capabilitiesCmd = &cobra.Command{
	Use:          "capabilities",
	Aliases:      []string{"cap"},
	Short:        "list the models and encodings the daemon supports",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		client, closeFn, err := createGNMIClient(ctx, addr)
		if err != nil {
			return err
		}
		defer closeFn()
		rsp, err := client.Capabilities(ctx, &gnmi.CapabilityRequest{})
		if err != nil {
			return err
		}
		if format == "json" {
			fmt.Println(utils.IndentProtoJSON(rsp))
			return nil
		}
		fmt.Printf("gNMI version: %s\n", rsp.GetGNMIVersion())
		fmt.Println("supported models:")
		for _, m := range rsp.GetSupportedModels() {
			fmt.Printf("  - %s, %s, %s\n", m.GetName(), m.GetOrganization(), m.GetVersion())
		}
		fmt.Println("supported encodings:")
		for _, e := range rsp.GetSupportedEncodings() {
			fmt.Printf("  - %s\n", e)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}
