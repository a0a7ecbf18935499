package runtimerpc

import "testing"

type fakeHandler struct {
	configured string
	routes     map[string]string
}

func (f *fakeHandler) ConfigureNodeSubnet(subnet string) (bool, string) {
	if subnet == "bad" {
		return false, "must be /24"
	}
	f.configured = subnet
	return true, ""
}

func (f *fakeHandler) InjectRoute(destination, viaInterface string) (bool, string) {
	if destination == "bad" {
		return false, "invalid destination"
	}
	f.routes[destination] = viaInterface
	return true, ""
}

func (f *fakeHandler) RemoveRoute(destination string) (bool, string) {
	delete(f.routes, destination)
	return true, ""
}

func startTestServer(t *testing.T) (*Server, *Client, *fakeHandler) {
	t.Helper()
	h := &fakeHandler{routes: map[string]string{}}
	srv, err := Listen("127.0.0.1:0", h)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, NewClient(srv.Addr()), h
}

func TestConfigureNodeSubnetRoundTrip(t *testing.T) {
	_, c, h := startTestServer(t)

	ok, errMsg, err := c.ConfigureNodeSubnet("10.42.1.0/24")
	if err != nil {
		t.Fatalf("rpc error: %v", err)
	}
	if !ok || errMsg != "" {
		t.Fatalf("expected success, got ok=%v err=%q", ok, errMsg)
	}
	if h.configured != "10.42.1.0/24" {
		t.Fatalf("handler did not receive subnet: %q", h.configured)
	}
}

func TestConfigureNodeSubnetFailureCarriedInBand(t *testing.T) {
	_, c, _ := startTestServer(t)

	ok, errMsg, err := c.ConfigureNodeSubnet("bad")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if ok {
		t.Fatalf("expected success=false")
	}
	if errMsg == "" {
		t.Fatalf("expected a descriptive error message")
	}
}

func TestInjectAndRemoveRoute(t *testing.T) {
	_, c, h := startTestServer(t)

	ok, _, err := c.InjectRoute("10.42.2.0/24", "vxlan100")
	if err != nil || !ok {
		t.Fatalf("inject failed: ok=%v err=%v", ok, err)
	}
	if h.routes["10.42.2.0/24"] != "vxlan100" {
		t.Fatalf("route not tracked: %v", h.routes)
	}

	ok, _, err = c.RemoveRoute("10.42.2.0/24")
	if err != nil || !ok {
		t.Fatalf("remove failed: ok=%v err=%v", ok, err)
	}
	if _, exists := h.routes["10.42.2.0/24"]; exists {
		t.Fatalf("route still tracked after removal")
	}
}

func TestUnknownMethodIsNotSuccess(t *testing.T) {
	_, c, _ := startTestServer(t)
	_ = c
	// Exercise dispatch directly since Client only exposes named methods.
	h := &fakeHandler{routes: map[string]string{}}
	srv, err := Listen("127.0.0.1:0", h)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	resp := srv.dispatch(Request{Method: "Bogus"})
	if resp.Success {
		t.Fatalf("expected failure for unknown method")
	}
}
