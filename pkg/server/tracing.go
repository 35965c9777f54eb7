package server

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys used on hook-chain spans.
const (
	attrDocument = attribute.Key("hocuspocus.document")
	attrSocketID = attribute.Key("hocuspocus.socket_id")
	attrClientIP = attribute.Key("hocuspocus.client_ip")
)

func connectionAttrs(document, socketID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if document != "" {
		attrs = append(attrs, attrDocument.String(document))
	}
	if socketID != "" {
		attrs = append(attrs, attrSocketID.String(socketID))
	}
	return attrs
}
