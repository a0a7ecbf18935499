package runtimerpc

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"quiltmesh/pkg/logx"
)

const (
	readTimeout     = 5 * time.Second
	writeTimeout    = 5 * time.Second
	maxRequestBytes = 64 * 1024
)

// Handler is implemented by the Runtime's service layer (pkg/runtime).
type Handler interface {
	ConfigureNodeSubnet(subnet string) (success bool, errMsg string)
	InjectRoute(destination, viaInterface string) (success bool, errMsg string)
	RemoveRoute(destination string) (success bool, errMsg string)
}

// Server accepts one TCP connection per RPC call, decodes a single Request,
// dispatches it to Handler, and writes a single Response; one connection
// carries exactly one request/response pair.
type Server struct {
	ln      net.Listener
	handler Handler
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{ln: ln, handler: handler}, nil
}

// Addr returns the bound address (useful when addr was ":0" in tests).
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	dec := cbor.NewDecoder(io.LimitReader(conn, maxRequestBytes))
	var req Request
	if err := dec.Decode(&req); err != nil {
		logx.Warnf("runtimerpc: decode request failed: %v", err)
		return
	}

	resp := s.dispatch(req)

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	enc := cbor.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		logx.Warnf("runtimerpc: encode response failed: %v", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case MethodConfigureNodeSubnet:
		var p ConfigureNodeSubnetParams
		if err := cbor.Unmarshal(req.Params, &p); err != nil {
			return Response{Success: false, Error: "malformed params: " + err.Error()}
		}
		ok, errMsg := s.handler.ConfigureNodeSubnet(p.Subnet)
		return Response{Success: ok, Error: errMsg}

	case MethodInjectRoute:
		var p InjectRouteParams
		if err := cbor.Unmarshal(req.Params, &p); err != nil {
			return Response{Success: false, Error: "malformed params: " + err.Error()}
		}
		ok, errMsg := s.handler.InjectRoute(p.Destination, p.ViaInterface)
		return Response{Success: ok, Error: errMsg}

	case MethodRemoveRoute:
		var p RemoveRouteParams
		if err := cbor.Unmarshal(req.Params, &p); err != nil {
			return Response{Success: false, Error: "malformed params: " + err.Error()}
		}
		ok, errMsg := s.handler.RemoveRoute(p.Destination)
		return Response{Success: ok, Error: errMsg}

	default:
		return Response{Success: false, Error: "unknown method: " + req.Method}
	}
}
