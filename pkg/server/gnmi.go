// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/sdcio/dsruntime/pkg/convert"
	"github.com/sdcio/dsruntime/pkg/datastore"
	"github.com/sdcio/dsruntime/pkg/engine"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/types"
	"github.com/sdcio/dsruntime/pkg/utils"
)

const gnmiVersion = "0.10.0"

var supportedEncodings = []gnmi.Encoding{gnmi.Encoding_JSON_IETF, gnmi.Encoding_JSON}

func (s *Server) Capabilities(ctx context.Context, req *gnmi.CapabilityRequest) (*gnmi.CapabilityResponse, error) {
	sch, err := s.conn.AcquireSchemaContext()
	if err != nil {
		return nil, grpcError(err)
	}
	defer s.conn.ReleaseSchemaContext(sch)

	rsp := &gnmi.CapabilityResponse{
		SupportedEncodings: supportedEncodings,
		GNMIVersion:        gnmiVersion,
	}
	for _, m := range sch.Modules() {
		rsp.SupportedModels = append(rsp.SupportedModels, &gnmi.ModelData{
			Name:         m.Name,
			Organization: m.Organization,
			Version:      m.Revision,
		})
	}
	return rsp, nil
}

// getDatastore picks the datastore a Get or Subscribe reads: a datastore
// name given as origin of the prefix wins over the data type.
func getDatastore(prefix *gnmi.Path, typ gnmi.GetRequest_DataType) (engine.Datastore, *datastore.GetOptions, error) {
	opts := &datastore.GetOptions{Qualified: true}
	if o := prefix.GetOrigin(); o != "" && o != "openconfig" {
		ds, err := engine.ParseDatastore(o)
		if err != nil {
			return 0, nil, status.Errorf(codes.InvalidArgument, "unknown origin %q", o)
		}
		return ds, opts, nil
	}
	switch typ {
	case gnmi.GetRequest_CONFIG:
		opts.NoState = true
		return engine.Running, opts, nil
	case gnmi.GetRequest_STATE, gnmi.GetRequest_OPERATIONAL:
		opts.NoConfig = true
		return engine.Operational, opts, nil
	}
	return engine.Operational, opts, nil
}

func checkEncoding(enc gnmi.Encoding) error {
	for _, e := range supportedEncodings {
		if e == enc {
			return nil
		}
	}
	return status.Errorf(codes.Unimplemented, "unsupported encoding %s", enc)
}

func (s *Server) Get(ctx context.Context, req *gnmi.GetRequest) (*gnmi.GetResponse, error) {
	pr, _ := peer.FromContext(ctx)
	log.Debugf("received Get request %s from peer %v", utils.FormatProtoJSON(req), peerAddr(pr))

	enc := req.GetEncoding()
	if enc == gnmi.Encoding_JSON {
		enc = gnmi.Encoding_JSON_IETF
	}
	if err := checkEncoding(enc); err != nil {
		return nil, err
	}
	ds, opts, err := getDatastore(req.GetPrefix(), req.GetType())
	if err != nil {
		return nil, err
	}
	sess, err := s.conn.StartSession(ctx, ds)
	if err != nil {
		return nil, grpcError(err)
	}
	defer sess.Stop(ctx)

	paths := req.GetPath()
	if len(paths) == 0 {
		paths = []*gnmi.Path{{}}
	}
	rsp := &gnmi.GetResponse{}
	for _, p := range paths {
		n, err := s.read(ctx, sess, req.GetPrefix(), p, opts)
		if err != nil {
			return nil, grpcError(err)
		}
		rsp.Notification = append(rsp.Notification, n)
	}
	return rsp, nil
}

// read returns one update per node the path selects.
func (s *Server) read(ctx context.Context, sess *datastore.Session, prefix, p *gnmi.Path, opts *datastore.GetOptions) (*gnmi.Notification, error) {
	sp := schema.FromGNMI(prefix, p)
	n := &gnmi.Notification{Timestamp: time.Now().UnixNano()}
	if len(sp) == 0 {
		m, err := sess.GetData(ctx, "/", opts)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return n, nil
			}
			return nil, err
		}
		u, err := jsonUpdate(&gnmi.Path{}, m)
		if err != nil {
			return nil, err
		}
		n.Update = append(n.Update, u)
		return n, nil
	}
	vals, err := sess.GetItems(ctx, sp.String(), opts)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, types.NewNotFoundError(sp.String())
	}
	for _, v := range vals {
		vp, err := schema.ParsePath(v.Path)
		if err != nil {
			return nil, err
		}
		u, err := jsonUpdate(vp.ToGNMI(), v.Value)
		if err != nil {
			return nil, err
		}
		n.Update = append(n.Update, u)
	}
	return n, nil
}

func jsonUpdate(p *gnmi.Path, v any) (*gnmi.Update, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %v: %w", p, err)
	}
	return &gnmi.Update{Path: p, Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: b}}}, nil
}

func (s *Server) Set(ctx context.Context, req *gnmi.SetRequest) (*gnmi.SetResponse, error) {
	pr, _ := peer.FromContext(ctx)
	log.Debugf("received Set request %s from peer %v", utils.FormatProtoJSON(req), peerAddr(pr))

	ds := engine.Running
	if o := req.GetPrefix().GetOrigin(); o != "" && o != "openconfig" {
		var err error
		if ds, err = engine.ParseDatastore(o); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "unknown origin %q", o)
		}
	}
	sess, err := s.conn.StartSession(ctx, ds)
	if err != nil {
		return nil, grpcError(err)
	}
	defer sess.Stop(ctx)
	sess.SetExtraInfo("gnmi", 0, peerAddr(pr))

	rsp := &gnmi.SetResponse{Prefix: req.GetPrefix()}
	result := func(p *gnmi.Path, op gnmi.UpdateResult_Operation) {
		rsp.Response = append(rsp.Response, &gnmi.UpdateResult{Path: p, Op: op})
	}
	for _, p := range req.GetDelete() {
		path := schema.FromGNMI(req.GetPrefix(), p).String()
		if err := sess.DeleteItem(path); err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, grpcError(err)
		}
		result(p, gnmi.UpdateResult_DELETE)
	}
	for _, u := range req.GetReplace() {
		if err := setUpdate(sess, req.GetPrefix(), u, engine.EditReplace); err != nil {
			return nil, grpcError(err)
		}
		result(u.GetPath(), gnmi.UpdateResult_REPLACE)
	}
	for _, u := range req.GetUpdate() {
		if err := setUpdate(sess, req.GetPrefix(), u, engine.EditMerge); err != nil {
			return nil, grpcError(err)
		}
		result(u.GetPath(), gnmi.UpdateResult_UPDATE)
	}
	if err := sess.Apply(ctx); err != nil {
		return nil, grpcError(err)
	}
	rsp.Timestamp = time.Now().UnixNano()
	return rsp, nil
}

func setUpdate(sess *datastore.Session, prefix *gnmi.Path, u *gnmi.Update, op engine.EditOperation) error {
	sp := schema.FromGNMI(prefix, u.GetPath())
	v, err := decodeValue(u.GetVal())
	if err != nil {
		return types.NewTypeMismatchError(sp.String(), err)
	}
	if len(sp) == 0 {
		m, ok := v.(convert.Map)
		if !ok {
			return types.NewTypeMismatchError("/", fmt.Errorf("the root takes a json object, got %T", v))
		}
		return sess.EditBatch(m, op)
	}
	path := sp.String()
	if op == engine.EditReplace {
		if err := sess.DeleteItem(path); err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
	}
	if l, ok := v.([]any); ok {
		for _, x := range l {
			if err := sess.SetItem(path, x); err != nil {
				return err
			}
		}
		return nil
	}
	return sess.SetItem(path, v)
}

// decodeValue returns the native value of tv: a Map for json objects,
// []any for json arrays.
func decodeValue(tv *gnmi.TypedValue) (any, error) {
	var b []byte
	switch v := tv.GetValue().(type) {
	case *gnmi.TypedValue_JsonIetfVal:
		b = v.JsonIetfVal
	case *gnmi.TypedValue_JsonVal:
		b = v.JsonVal
	case nil:
		return nil, nil
	default:
		return convert.GoValue(tv), nil
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		m := convert.Map{}
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// grpcError maps runtime errors onto their status code, context errors
// onto the matching ones.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func peerAddr(pr *peer.Peer) string {
	if pr == nil || pr.Addr == nil {
		return "unknown"
	}
	return strings.TrimSpace(pr.Addr.String())
}
