package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/spf13/cobra"
)

var paths []string
var dataType string

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:          "get",
	Short:        "get data",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dt, ok := gnmi.GetRequest_DataType_value[strings.ToUpper(dataType)]
		if !ok {
			return fmt.Errorf("invalid flag value --type %s", dataType)
		}
		gps, err := parsePaths(paths)
		if err != nil {
			return err
		}
		req := &gnmi.GetRequest{
			Prefix:   prefix(),
			Path:     gps,
			Type:     gnmi.GetRequest_DataType(dt),
			Encoding: gnmi.Encoding_JSON_IETF,
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		client, closeFn, err := createGNMIClient(ctx, addr)
		if err != nil {
			return err
		}
		defer closeFn()
		rsp, err := client.Get(ctx, req)
		if err != nil {
			return err
		}
		return printNotifications(rsp.GetNotification())
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringArrayVarP(&paths, "path", "", []string{}, "get path(s)")
	getCmd.Flags().StringVarP(&dataType, "type", "", "ALL", "data type, one of: ALL, CONFIG, STATE, OPERATIONAL")
}
