//go:build !consul

package store

import "fmt"

// OpenConsul is unavailable without the consul build tag; build with
// `-tags consul` to enable the Consul-backed NodeStore.
func OpenConsul(addr string) (NodeStore, error) {
	return nil, fmt.Errorf("consul store requested (addr=%s) but binary was built without the consul tag", addr)
}
