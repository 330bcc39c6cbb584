package host

import (
	"github.com/vishvananda/netlink"
)

// hasDefaultRoute reports whether any routing table entry has no destination or a zero-length
// destination prefix.
func hasDefaultRoute() (bool, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return false, err
	}
	for _, route := range routes {
		if route.Dst == nil {
			return true, nil
		}
		if ones, _ := route.Dst.Mask.Size(); ones == 0 {
			return true, nil
		}
	}
	return false, nil
}
