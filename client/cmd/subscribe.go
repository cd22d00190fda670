package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/spf13/cobra"
)

var mode string
var pollInterval time.Duration
var pollCount int

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:          "subscribe",
	Aliases:      []string{"sub"},
	Short:        "subscribe to data, once or polled",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, ok := gnmi.SubscriptionList_Mode_value[strings.ToUpper(mode)]
		if !ok {
			return fmt.Errorf("invalid flag value --mode %s", mode)
		}
		gps, err := parsePaths(paths)
		if err != nil {
			return err
		}
		sl := &gnmi.SubscriptionList{
			Prefix:   prefix(),
			Mode:     gnmi.SubscriptionList_Mode(m),
			Encoding: gnmi.Encoding_JSON_IETF,
		}
		for _, p := range gps {
			sl.Subscription = append(sl.Subscription, &gnmi.Subscription{Path: p})
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		client, closeFn, err := createGNMIClient(ctx, addr)
		if err != nil {
			return err
		}
		defer closeFn()
		stream, err := client.Subscribe(ctx)
		if err != nil {
			return err
		}
		err = stream.Send(&gnmi.SubscribeRequest{Request: &gnmi.SubscribeRequest_Subscribe{Subscribe: sl}})
		if err != nil {
			return err
		}
		polls := 0
		for {
			rsp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			switch r := rsp.GetResponse().(type) {
			case *gnmi.SubscribeResponse_Update:
				if err := printNotifications([]*gnmi.Notification{r.Update}); err != nil {
					return err
				}
			case *gnmi.SubscribeResponse_SyncResponse:
				if sl.GetMode() != gnmi.SubscriptionList_POLL {
					continue
				}
				polls++
				if pollCount > 0 && polls > pollCount {
					return stream.CloseSend()
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pollInterval):
				}
				err = stream.Send(&gnmi.SubscribeRequest{Request: &gnmi.SubscribeRequest_Poll{Poll: &gnmi.Poll{}}})
				if err != nil {
					return err
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
	subscribeCmd.Flags().StringArrayVarP(&paths, "path", "", []string{}, "subscription path(s)")
	subscribeCmd.Flags().StringVarP(&mode, "mode", "", "once", "subscription mode, one of: once, poll")
	subscribeCmd.Flags().DurationVarP(&pollInterval, "poll-interval", "", 10*time.Second, "interval between polls")
	subscribeCmd.Flags().IntVarP(&pollCount, "poll-count", "", 0, "number of polls, unbounded when 0")
}
