package cmd

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

func waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	for {
		s := cc.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !cc.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}
