// Package control implements the Agent's HTTP client for talking to the
// Controller: register, heartbeat, and list peers.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"quiltmesh/pkg/api"
	"quiltmesh/pkg/model"
)

// ErrUnknownNode is returned by Heartbeat when the Controller responds 404,
// signalling the Agent must re-register.
var ErrUnknownNode = fmt.Errorf("unknown node")

// Client talks to a single Controller over plain HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client with the per-call timeout the concurrency model
// calls for (default 5s).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Register calls POST /api/nodes/register.
func (c *Client) Register(hostname, hostIP string, cpuCores int, ramMB int64) (nodeID, subnet string, err error) {
	req := api.RegisterRequest{Hostname: hostname, HostIP: hostIP, CPUCores: cpuCores, RAMMB: ramMB}
	var resp api.RegisterResponse
	if err := c.postJSON("/api/nodes/register", req, &resp); err != nil {
		return "", "", err
	}
	return resp.NodeID, resp.Subnet, nil
}

// Heartbeat calls POST /api/nodes/{node_id}/heartbeat.
func (c *Client) Heartbeat(nodeID string) error {
	url := fmt.Sprintf("%s/api/nodes/%s/heartbeat", c.baseURL, nodeID)
	httpReq, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("heartbeat transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownNode
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("controller returned %s: %s", resp.Status, string(b))
	}
	return nil
}

// Deregister calls POST /api/nodes/{node_id}/deregister.
func (c *Client) Deregister(nodeID string) error {
	url := fmt.Sprintf("%s/api/nodes/%s/deregister", c.baseURL, nodeID)
	httpReq, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build deregister request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deregister transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownNode
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("controller returned %s: %s", resp.Status, string(b))
	}
	return nil
}

// ListNodes calls GET /api/nodes.
func (c *Client) ListNodes() ([]model.Node, error) {
	url := c.baseURL + "/api/nodes"
	resp, err := c.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("list nodes transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("controller returned %s: %s", resp.Status, string(b))
	}
	var out api.ListNodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list nodes: %w", err)
	}
	return out.Nodes, nil
}

func (c *Client) postJSON(path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("controller returned %s: %s", resp.Status, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
