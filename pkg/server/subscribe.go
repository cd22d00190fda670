package server

import (
	"errors"
	"io"

	"github.com/openconfig/gnmi/proto/gnmi"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

// Subscribe serves ONCE and POLL subscriptions from the datastore reads;
// STREAM is not supported.
func (s *Server) Subscribe(stream gnmi.GNMI_SubscribeServer) error {
	ctx := stream.Context()
	pr, _ := peer.FromContext(ctx)

	req, err := stream.Recv()
	if err != nil {
		return err
	}
	log.Debugf("received Subscribe request %s from peer %v", utils.FormatProtoJSON(req), peerAddr(pr))
	sl := req.GetSubscribe()
	if sl == nil {
		return status.Error(codes.InvalidArgument, "first message must be a SubscriptionList")
	}
	enc := sl.GetEncoding()
	if enc == gnmi.Encoding_JSON {
		enc = gnmi.Encoding_JSON_IETF
	}
	if err := checkEncoding(enc); err != nil {
		return err
	}

	switch sl.GetMode() {
	case gnmi.SubscriptionList_ONCE:
		return s.sendSnapshot(stream, sl)
	case gnmi.SubscriptionList_POLL:
		if err := s.sendSnapshot(stream, sl); err != nil {
			return err
		}
		for {
			req, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if req.GetPoll() == nil {
				return status.Error(codes.InvalidArgument, "expected a Poll message")
			}
			if err := s.sendSnapshot(stream, sl); err != nil {
				return err
			}
		}
	}
	return status.Errorf(codes.Unimplemented, "subscription mode %s not supported", sl.GetMode())
}

// sendSnapshot sends one notification per subscription path, followed by
// a sync response.
func (s *Server) sendSnapshot(stream gnmi.GNMI_SubscribeServer, sl *gnmi.SubscriptionList) error {
	ctx := stream.Context()
	ds, opts, err := getDatastore(sl.GetPrefix(), gnmi.GetRequest_ALL)
	if err != nil {
		return err
	}
	sess, err := s.conn.StartSession(ctx, ds)
	if err != nil {
		return grpcError(err)
	}
	defer sess.Stop(ctx)

	subs := sl.GetSubscription()
	if len(subs) == 0 {
		subs = []*gnmi.Subscription{{Path: &gnmi.Path{}}}
	}
	for _, sub := range subs {
		n, err := s.read(ctx, sess, sl.GetPrefix(), sub.GetPath(), opts)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return grpcError(err)
		}
		if len(n.GetUpdate()) == 0 {
			continue
		}
		err = stream.Send(&gnmi.SubscribeResponse{
			Response: &gnmi.SubscribeResponse_Update{Update: n},
		})
		if err != nil {
			return err
		}
	}
	return stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_SyncResponse{SyncResponse: true},
	})
}
