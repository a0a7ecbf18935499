package runtimerpc

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const dialTimeout = 5 * time.Second

// Client calls a local Runtime's RPC surface, dialing a fresh connection
// per call.
type Client struct {
	addr string
}

// NewClient targets addr (conventionally 127.0.0.1:50051).
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// ConfigureNodeSubnet calls the Runtime's ConfigureNodeSubnet RPC.
func (c *Client) ConfigureNodeSubnet(subnet string) (bool, string, error) {
	params, err := marshalParams(ConfigureNodeSubnetParams{Subnet: subnet})
	if err != nil {
		return false, "", err
	}
	return c.call(MethodConfigureNodeSubnet, params)
}

// InjectRoute calls the Runtime's InjectRoute RPC.
func (c *Client) InjectRoute(destination, viaInterface string) (bool, string, error) {
	params, err := marshalParams(InjectRouteParams{Destination: destination, ViaInterface: viaInterface})
	if err != nil {
		return false, "", err
	}
	return c.call(MethodInjectRoute, params)
}

// RemoveRoute calls the Runtime's RemoveRoute RPC.
func (c *Client) RemoveRoute(destination string) (bool, string, error) {
	params, err := marshalParams(RemoveRouteParams{Destination: destination})
	if err != nil {
		return false, "", err
	}
	return c.call(MethodRemoveRoute, params)
}

// call performs one dial-send-receive-close round trip. Any error returned
// here is a transport error; the Agent treats it identically to connection
// failure and retries next cycle.
func (c *Client) call(method string, params cbor.RawMessage) (bool, string, error) {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return false, "", fmt.Errorf("dial runtime at %s: %w", c.addr, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := cbor.NewEncoder(conn).Encode(Request{Method: method, Params: params}); err != nil {
		return false, "", fmt.Errorf("encode request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var resp Response
	dec := cbor.NewDecoder(io.LimitReader(conn, maxRequestBytes))
	if err := dec.Decode(&resp); err != nil {
		return false, "", fmt.Errorf("decode response: %w", err)
	}
	return resp.Success, resp.Error, nil
}
