//go:build consul

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"quiltmesh/pkg/ipam"
	"quiltmesh/pkg/logx"
	"quiltmesh/pkg/model"
)

const nodePrefix = "quiltmesh/nodes/"

// ConsulStore is a Consul KV-backed NodeStore for operators who already run
// Consul and would rather not manage a separate database file for the
// Controller's registry.
type ConsulStore struct {
	cli *consulapi.Client
}

// OpenConsul connects to the Consul agent at addr.
func OpenConsul(addr string) (*ConsulStore, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulStore{cli: cli}, nil
}

// Client exposes the underlying Consul client.
func (s *ConsulStore) Client() *consulapi.Client { return s.cli }

func (s *ConsulStore) Insert(n model.Node) error { return s.put(n) }

func (s *ConsulStore) put(n model.Node) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: nodePrefix + n.NodeID, Value: b}, nil)
	return err
}

func (s *ConsulStore) GetByID(nodeID string) (model.Node, bool, error) {
	kv, _, err := s.cli.KV().Get(nodePrefix+nodeID, nil)
	if err != nil {
		return model.Node{}, false, err
	}
	if kv == nil {
		return model.Node{}, false, nil
	}
	var n model.Node
	if err := json.Unmarshal(kv.Value, &n); err != nil {
		return model.Node{}, false, err
	}
	return n, true, nil
}

func (s *ConsulStore) GetByHostIP(hostIP string) (model.Node, bool, error) {
	nodes, err := s.List()
	if err != nil {
		return model.Node{}, false, err
	}
	for _, n := range nodes {
		if n.HostIP == hostIP {
			return n, true, nil
		}
	}
	return model.Node{}, false, nil
}

func (s *ConsulStore) List() ([]model.Node, error) {
	pairs, _, err := s.cli.KV().List(nodePrefix, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Node, 0, len(pairs))
	for _, p := range pairs {
		var n model.Node
		if err := json.Unmarshal(p.Value, &n); err == nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt < out[j].RegisteredAt })
	return out, nil
}

func (s *ConsulStore) Update(n model.Node) error { return s.put(n) }

func (s *ConsulStore) Delete(nodeID string) error {
	_, err := s.cli.KV().Delete(nodePrefix+nodeID, nil)
	return err
}

func (s *ConsulStore) AllocatedIndices() ([]int, error) {
	nodes, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		if idx, err := ipam.IndexOfSubnet(n.Subnet); err == nil {
			out = append(out, idx)
		}
	}
	return out, nil
}

// LeaderGuard blocks acquiring a Consul session lock at lockKey and runs cb
// for as long as the lock is held, retrying on contention. The context passed
// to cb is cancelled when the session can no longer be renewed. Only what cb
// runs is gated by the lock; registrations and subnet allocation on a
// standby Controller are not.
func (s *ConsulStore) LeaderGuard(ctx context.Context, lockKey string, ttl time.Duration, cb func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sessionID, _, err := s.cli.Session().Create(&consulapi.SessionEntry{
			TTL:      ttl.String(),
			Behavior: consulapi.SessionBehaviorRelease,
		}, nil)
		if err != nil {
			logx.Warnf("consul store: leader session create failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		acquired, _, err := s.cli.KV().Acquire(&consulapi.KVPair{Key: lockKey, Session: sessionID}, nil)
		if err != nil || !acquired {
			_, _ = s.cli.Session().Destroy(sessionID, nil)
			time.Sleep(time.Second)
			continue
		}

		lctx, cancel := context.WithCancel(ctx)
		go func() {
			if err := s.cli.Session().RenewPeriodic(ttl.String(), sessionID, nil, lctx.Done()); err != nil {
				logx.Warnf("consul store: leader session renew stopped: %v", err)
			}
			cancel()
		}()

		cb(lctx)
		cancel()
		_, _ = s.cli.Session().Destroy(sessionID, nil)
	}
}
