package krpc

import (
	"net"

	"github.com/DEgITx/librats/pkg/types"
)

// CompactNode is a routing-table entry as carried in `nodes`/`nodes6`:
// a 20-byte NodeID plus a compact endpoint (spec.md §4.2).
type CompactNode struct {
	ID types.NodeID
	EP types.Endpoint
}

// CompactEndpoint encodes e as 6 bytes (IPv4) or 18 bytes (IPv6).
func CompactEndpoint(e types.Endpoint) []byte {
	if ip4 := e.IP.To4(); ip4 != nil {
		out := make([]byte, 6)
		copy(out[:4], ip4)
		out[4] = byte(e.Port >> 8)
		out[5] = byte(e.Port)
		return out
	}
	ip16 := e.IP.To16()
	out := make([]byte, 18)
	copy(out[:16], ip16)
	out[16] = byte(e.Port >> 8)
	out[17] = byte(e.Port)
	return out
}

// DecompactEndpoint parses a 6-byte (IPv4) or 18-byte (IPv6) endpoint.
func DecompactEndpoint(b []byte) (types.Endpoint, error) {
	switch len(b) {
	case 6:
		return types.Endpoint{
			IP:   net.IPv4(b[0], b[1], b[2], b[3]),
			Port: uint16(b[4])<<8 | uint16(b[5]),
		}, nil
	case 18:
		ip := make(net.IP, 16)
		copy(ip, b[:16])
		return types.Endpoint{
			IP:   ip,
			Port: uint16(b[16])<<8 | uint16(b[17]),
		}, nil
	default:
		return types.Endpoint{}, ErrBadCompaction
	}
}

// CompactRoutingNodes encodes CompactNode entries (20-byte id + endpoint)
// into the `nodes` / `nodes6` blobs.
func CompactRoutingNodes(nodes []CompactNode) (v4, v6 []byte) {
	for _, n := range nodes {
		ep := CompactEndpoint(n.EP)
		if len(ep) == 6 {
			v4 = append(v4, n.ID[:]...)
			v4 = append(v4, ep...)
		} else {
			v6 = append(v6, n.ID[:]...)
			v6 = append(v6, ep...)
		}
	}
	return v4, v6
}

// DecompactNodes parses a `nodes` (ipv6=false, 26 bytes/entry) or `nodes6`
// (ipv6=true, 38 bytes/entry) blob.
func DecompactNodes(b []byte, ipv6 bool) ([]CompactNode, error) {
	entrySize := 26
	epSize := 6
	if ipv6 {
		entrySize = 38
		epSize = 18
	}
	if len(b)%entrySize != 0 {
		return nil, ErrBadCompaction
	}
	var out []CompactNode
	for i := 0; i < len(b); i += entrySize {
		var n CompactNode
		copy(n.ID[:], b[i:i+types.IDLength])
		ep, err := DecompactEndpoint(b[i+types.IDLength : i+types.IDLength+epSize])
		if err != nil {
			return nil, err
		}
		n.EP = ep
		out = append(out, n)
	}
	return out, nil
}
