//go:build linux

package agent

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"

	"quiltmesh/pkg/logx"
)

// zeroMAC is the catch-all FDB destination: with learning disabled, every
// unknown overlay MAC is flooded to the peers holding this entry.
var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// linuxOverlay drives the kernel VXLAN device over rtnetlink.
type linuxOverlay struct{}

// NewOverlay returns the Linux netlink-backed Overlay.
func NewOverlay() Overlay { return linuxOverlay{} }

func (linuxOverlay) EnsureLink() error {
	link, err := netlink.LinkByName(VXLANInterface)
	if err == nil {
		vx, ok := link.(*netlink.Vxlan)
		if !ok {
			return fmt.Errorf("interface %s exists but is %s, not vxlan; operator must reconcile", VXLANInterface, link.Type())
		}
		if vx.VxlanId != VXLANVNI {
			return fmt.Errorf("interface %s exists with VNI %d, want %d; operator must reconcile", VXLANInterface, vx.VxlanId, VXLANVNI)
		}
		if vx.Port != 0 && vx.Port != VXLANPort {
			return fmt.Errorf("interface %s exists with port %d, want %d; operator must reconcile", VXLANInterface, vx.Port, VXLANPort)
		}
		logx.Infof("agent: VXLAN interface %s already present", VXLANInterface)
		return setUpAndBridge(link)
	}
	if _, ok := err.(netlink.LinkNotFoundError); !ok {
		return fmt.Errorf("look up %s: %w", VXLANInterface, err)
	}

	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: VXLANInterface},
		VxlanId:   VXLANVNI,
		Port:      VXLANPort,
		Learning:  false,
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return fmt.Errorf("create %s: %w", VXLANInterface, err)
	}
	logx.Infof("agent: created VXLAN interface %s (vni=%d port=%d)", VXLANInterface, VXLANVNI, VXLANPort)

	link, err = netlink.LinkByName(VXLANInterface)
	if err != nil {
		return fmt.Errorf("look up freshly created %s: %w", VXLANInterface, err)
	}
	return setUpAndBridge(link)
}

func setUpAndBridge(link netlink.Link) error {
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", VXLANInterface, err)
	}

	bridge, err := netlink.LinkByName(BridgeInterface)
	if err != nil {
		logx.Warnf("agent: bridge %s not found, %s created but not bridged", BridgeInterface, VXLANInterface)
		return nil
	}
	if link.Attrs().MasterIndex == bridge.Attrs().Index {
		return nil
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		logx.Warnf("agent: attach %s to bridge %s failed: %v", VXLANInterface, BridgeInterface, err)
		return nil
	}
	logx.Infof("agent: attached %s to bridge %s", VXLANInterface, BridgeInterface)
	return nil
}

func (linuxOverlay) AddPeer(hostIP string) error {
	neigh, err := fdbEntry(hostIP)
	if err != nil {
		return err
	}
	// NeighAppend tolerates an existing entry, keeping AddPeer idempotent.
	if err := netlink.NeighAppend(neigh); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add FDB entry for %s: %w", hostIP, err)
	}
	return nil
}

func (linuxOverlay) RemovePeer(hostIP string) error {
	neigh, err := fdbEntry(hostIP)
	if err != nil {
		return err
	}
	if err := netlink.NeighDel(neigh); err != nil && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("delete FDB entry for %s: %w", hostIP, err)
	}
	return nil
}

func fdbEntry(hostIP string) (*netlink.Neigh, error) {
	ip := net.ParseIP(hostIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid peer host IP %q", hostIP)
	}
	link, err := netlink.LinkByName(VXLANInterface)
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", VXLANInterface, err)
	}
	return &netlink.Neigh{
		LinkIndex:    link.Attrs().Index,
		Family:       syscall.AF_BRIDGE,
		State:        netlink.NUD_PERMANENT,
		Flags:        netlink.NTF_SELF,
		IP:           ip,
		HardwareAddr: zeroMAC,
	}, nil
}
