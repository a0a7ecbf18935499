// Package runtimerpc implements the Runtime's RPC surface: a small
// binary-framed protocol carrying ConfigureNodeSubnet, InjectRoute, and
// RemoveRoute calls between the Agent and its local Runtime. CBOR is
// self-delimiting, so a single Decode reads exactly one message off the
// wire with no length-prefix framing and no code-generation step.
package runtimerpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DefaultAddr is the conventional loopback-only listen address.
const DefaultAddr = "127.0.0.1:50051"

// Request is one call: Method names the RPC, Params carries its
// method-specific body.
type Request struct {
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params"`
}

// Response is the envelope every call returns. Success=true implies Error
// is empty; transport-level failures (connection loss, decode failure)
// never populate this envelope at all, they are Go errors returned to the
// caller directly.
type Response struct {
	Success bool   `cbor:"success"`
	Error   string `cbor:"error,omitempty"`
}

// ConfigureNodeSubnetParams is the body of a ConfigureNodeSubnet call.
type ConfigureNodeSubnetParams struct {
	Subnet string `cbor:"subnet"`
}

// InjectRouteParams is the body of an InjectRoute call.
type InjectRouteParams struct {
	Destination  string `cbor:"destination"`
	ViaInterface string `cbor:"via_interface"`
}

// RemoveRouteParams is the body of a RemoveRoute call.
type RemoveRouteParams struct {
	Destination string `cbor:"destination"`
}

const (
	MethodConfigureNodeSubnet = "ConfigureNodeSubnet"
	MethodInjectRoute         = "InjectRoute"
	MethodRemoveRoute         = "RemoveRoute"
)

func marshalParams(v interface{}) (cbor.RawMessage, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return cbor.RawMessage(b), nil
}
