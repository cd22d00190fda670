/*
Copyright © 2024 Nokia
*/
package cmd

import (
	"context"
	"os"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sdcio/dsruntime/pkg/schema"
)

var addr string
var datastoreName string
var format string
var timeout time.Duration

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dsctl",
	Short: "gNMI client of the dsruntime daemon",
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
	rootCmd.PersistentFlags().StringVarP(&addr, "address", "a", "localhost:57400", "dsruntime gNMI address")
	rootCmd.PersistentFlags().StringVar(&datastoreName, "ds", "", "datastore: running, candidate, startup, operational or factory-default")
	rootCmd.PersistentFlags().StringVarP(&format, "format", "", "", "print format, '', 'json', 'flat' or 'xml'")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "dial timeout")
}

func createGNMIClient(ctx context.Context, addr string) (gnmi.GNMIClient, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(
			insecure.NewCredentials(),
		),
	)
	if err != nil {
		return nil, nil, err
	}
	cc.Connect()
	if err := waitReady(ctx, cc); err != nil {
		cc.Close()
		return nil, nil, err
	}
	return gnmi.NewGNMIClient(cc), func() { cc.Close() }, nil
}

func parsePaths(ps []string) ([]*gnmi.Path, error) {
	r := make([]*gnmi.Path, 0, len(ps))
	for _, p := range ps {
		sp, err := schema.ParsePath(p)
		if err != nil {
			return nil, err
		}
		r = append(r, sp.ToGNMI())
	}
	return r, nil
}

// prefix carries the datastore as the origin of the request prefix.
func prefix() *gnmi.Path {
	if datastoreName == "" {
		return nil
	}
	return &gnmi.Path{Origin: datastoreName}
}
