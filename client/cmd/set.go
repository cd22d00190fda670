package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/spf13/cobra"

	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/utils"
)

var updates []string
var replaces []string
var deletes []string
var setFile string

// setCmd represents the set command
var setCmd = &cobra.Command{
	Use:          "set",
	Short:        "edit and commit data",
	Long:         "edit and commit data. updates and replaces take path:::value pairs, the value being json. --file loads a yaml or json document merged at the root",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := &gnmi.SetRequest{Prefix: prefix()}
		var err error
		req.Delete, err = parsePaths(deletes)
		if err != nil {
			return err
		}
		req.Replace, err = parseUpdates(replaces)
		if err != nil {
			return err
		}
		req.Update, err = parseUpdates(updates)
		if err != nil {
			return err
		}
		if setFile != "" {
			u, err := updateFromFile(setFile)
			if err != nil {
				return err
			}
			req.Update = append(req.Update, u)
		}
		if len(req.Delete)+len(req.Replace)+len(req.Update) == 0 {
			return errors.New("nothing to set")
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		client, closeFn, err := createGNMIClient(ctx, addr)
		if err != nil {
			return err
		}
		defer closeFn()
		rsp, err := client.Set(ctx, req)
		if err != nil {
			return err
		}
		if format == "json" {
			fmt.Println(utils.IndentProtoJSON(rsp))
			return nil
		}
		for _, r := range rsp.GetResponse() {
			fmt.Printf("%s %s\n", strings.ToLower(r.GetOp().String()), schema.FromGNMI(rsp.GetPrefix(), r.GetPath()))
		}
		return nil
	},
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:          "delete",
	Short:        "delete data",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		deletes = append(deletes, paths...)
		updates, replaces, setFile = nil, nil, ""
		return setCmd.RunE(cmd, args)
	},
}

func parseUpdates(in []string) ([]*gnmi.Update, error) {
	r := make([]*gnmi.Update, 0, len(in))
	for _, s := range in {
		p, v, ok := strings.Cut(s, ":::")
		if !ok {
			return nil, fmt.Errorf("%q is not a path:::value pair", s)
		}
		sp, err := schema.ParsePath(p)
		if err != nil {
			return nil, err
		}
		r = append(r, &gnmi.Update{
			Path: sp.ToGNMI(),
			Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: []byte(v)}},
		})
	}
	return r, nil
}

func updateFromFile(name string) (*gnmi.Update, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	m, err := convert.ParseYAML(b)
	if err != nil {
		return nil, err
	}
	jb, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &gnmi.Update{
		Path: &gnmi.Path{},
		Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: jb}},
	}, nil
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(deleteCmd)
	setCmd.Flags().StringArrayVarP(&updates, "update", "", []string{}, "update path:::value")
	setCmd.Flags().StringArrayVarP(&replaces, "replace", "", []string{}, "replace path:::value")
	setCmd.Flags().StringArrayVarP(&deletes, "delete", "", []string{}, "delete path")
	setCmd.Flags().StringVarP(&setFile, "file", "", "", "yaml or json file merged at the root")
	deleteCmd.Flags().StringArrayVarP(&paths, "path", "", []string{}, "path(s) to delete")
}
