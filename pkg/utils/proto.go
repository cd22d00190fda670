package utils

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// FormatProtoJSON renders m on a single line, for logging.
func FormatProtoJSON(m proto.Message) string {
	return protojson.MarshalOptions{Multiline: false}.Format(m)
}

// IndentProtoJSON renders m as indented json using the proto field names.
func IndentProtoJSON(m proto.Message) string {
	return protojson.MarshalOptions{Multiline: true, Indent: "  ", UseProtoNames: true}.Format(m)
}
