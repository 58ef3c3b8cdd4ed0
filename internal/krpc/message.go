// Package krpc implements the KRPC query/response envelope used by the
// Mainline DHT (spec.md §4.2): every message is a bencoded dictionary with
// a transaction id `t`, a type `y` ∈ {q, r, e}, and query args / response
// values / an error pair.
package krpc

import (
	"errors"
	"fmt"

	"github.com/DEgITx/librats/internal/bencode"
	"github.com/DEgITx/librats/pkg/types"
)

// Query is one of the four BEP-5 query types librats supports.
type Query string

const (
	Ping          Query = "ping"
	FindNode      Query = "find_node"
	GetPeers      Query = "get_peers"
	AnnouncePeer  Query = "announce_peer"
)

// MsgType is the `y` discriminator.
type MsgType string

const (
	TypeQuery    MsgType = "q"
	TypeResponse MsgType = "r"
	TypeError    MsgType = "e"
)

var (
	ErrMissingField  = errors.New("krpc: missing required field")
	ErrUnknownType   = errors.New("krpc: unknown message type")
	ErrUnknownQuery  = errors.New("krpc: unknown query type")
	ErrBadCompaction = errors.New("krpc: malformed compact address")
)

// KError is the [code, message] pair carried by an `e` message.
type KError struct {
	Code    int64
	Message string
}

func (e *KError) Error() string { return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message) }

// Standard BEP-5 error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// Args bundles the fields used across the four query types; which ones
// are meaningful depends on the query (spec.md §4.3).
type Args struct {
	ID          types.NodeID
	Target      types.NodeID   // find_node
	InfoHash    types.InfoHash // get_peers, announce_peer
	Port        uint16         // announce_peer
	ImpliedPort bool           // announce_peer
	Token       []byte         // announce_peer
}

// Values carries the fields a response may return.
type Values struct {
	ID     types.NodeID
	Nodes  []CompactNode // find_node / get_peers (no values)
	Token  []byte        // get_peers
	Peers  []types.Endpoint
}

// Message is the decoded in-memory form of a KRPC envelope.
type Message struct {
	T []byte
	Y MsgType

	Q Query
	A *Args

	R *Values

	E *KError
}

// Encode serializes m to canonical bencode.
func (m *Message) Encode() ([]byte, error) {
	d := bencode.NewDict()
	d.Set("t", []byte(m.T))
	d.Set("y", []byte(m.Y))

	switch m.Y {
	case TypeQuery:
		if m.A == nil {
			return nil, ErrMissingField
		}
		d.Set("q", []byte(m.Q))
		d.Set("a", encodeArgs(m.Q, m.A))
	case TypeResponse:
		if m.R == nil {
			return nil, ErrMissingField
		}
		d.Set("r", encodeValues(m.R))
	case TypeError:
		if m.E == nil {
			return nil, ErrMissingField
		}
		d.Set("e", []bencode.Value{m.E.Code, []byte(m.E.Message)})
	default:
		return nil, ErrUnknownType
	}

	return bencode.Encode(d), nil
}

func encodeArgs(q Query, a *Args) *bencode.Dict {
	d := bencode.NewDict()
	d.Set("id", []byte(a.ID[:]))
	switch q {
	case FindNode:
		d.Set("target", []byte(a.Target[:]))
	case GetPeers:
		d.Set("info_hash", []byte(a.InfoHash[:]))
	case AnnouncePeer:
		d.Set("info_hash", []byte(a.InfoHash[:]))
		d.Set("port", int64(a.Port))
		if a.ImpliedPort {
			d.Set("implied_port", int64(1))
		} else {
			d.Set("implied_port", int64(0))
		}
		d.Set("token", a.Token)
	}
	return d
}

func encodeValues(v *Values) *bencode.Dict {
	d := bencode.NewDict()
	d.Set("id", []byte(v.ID[:]))
	if len(v.Nodes) > 0 {
		ipv4, ipv6 := CompactRoutingNodes(v.Nodes)
		if len(ipv4) > 0 {
			d.Set("nodes", ipv4)
		}
		if len(ipv6) > 0 {
			d.Set("nodes6", ipv6)
		}
	}
	if v.Token != nil {
		d.Set("token", v.Token)
	}
	if len(v.Peers) > 0 {
		list := make([]bencode.Value, 0, len(v.Peers))
		for _, p := range v.Peers {
			list = append(list, CompactEndpoint(p))
		}
		d.Set("values", list)
	}
	return d
}

// Decode parses a single KRPC envelope.
func Decode(data []byte) (*Message, error) {
	raw, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	d, ok := raw.(*bencode.Dict)
	if !ok {
		return nil, ErrMissingField
	}

	t, ok := d.GetString("t")
	if !ok {
		return nil, fmt.Errorf("%w: t", ErrMissingField)
	}
	yRaw, ok := d.GetString("y")
	if !ok {
		return nil, fmt.Errorf("%w: y", ErrMissingField)
	}
	m := &Message{T: t, Y: MsgType(yRaw)}

	switch m.Y {
	case TypeQuery:
		qRaw, ok := d.GetString("q")
		if !ok {
			return nil, fmt.Errorf("%w: q", ErrMissingField)
		}
		argsDict, ok := d.GetDict("a")
		if !ok {
			return nil, fmt.Errorf("%w: a", ErrMissingField)
		}
		m.Q = Query(qRaw)
		args, err := decodeArgs(m.Q, argsDict)
		if err != nil {
			return nil, err
		}
		m.A = args
	case TypeResponse:
		rDict, ok := d.GetDict("r")
		if !ok {
			return nil, fmt.Errorf("%w: r", ErrMissingField)
		}
		v, err := decodeValues(rDict)
		if err != nil {
			return nil, err
		}
		m.R = v
	case TypeError:
		eList, ok := d.GetList("e")
		if !ok || len(eList) != 2 {
			return nil, fmt.Errorf("%w: e", ErrMissingField)
		}
		code, ok := eList[0].(int64)
		if !ok {
			return nil, ErrMissingField
		}
		msg, ok := eList[1].([]byte)
		if !ok {
			return nil, ErrMissingField
		}
		m.E = &KError{Code: code, Message: string(msg)}
	default:
		return nil, ErrUnknownType
	}

	return m, nil
}

func decodeArgs(q Query, d *bencode.Dict) (*Args, error) {
	idBytes, ok := d.GetString("id")
	if !ok || len(idBytes) != types.IDLength {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	a := &Args{}
	copy(a.ID[:], idBytes)

	switch q {
	case FindNode:
		target, ok := d.GetString("target")
		if !ok || len(target) != types.IDLength {
			return nil, fmt.Errorf("%w: target", ErrMissingField)
		}
		copy(a.Target[:], target)
	case GetPeers:
		ih, ok := d.GetString("info_hash")
		if !ok || len(ih) != types.IDLength {
			return nil, fmt.Errorf("%w: info_hash", ErrMissingField)
		}
		copy(a.InfoHash[:], ih)
	case AnnouncePeer:
		ih, ok := d.GetString("info_hash")
		if !ok || len(ih) != types.IDLength {
			return nil, fmt.Errorf("%w: info_hash", ErrMissingField)
		}
		copy(a.InfoHash[:], ih)
		port, ok := d.GetInt("port")
		if !ok {
			return nil, fmt.Errorf("%w: port", ErrMissingField)
		}
		a.Port = uint16(port)
		if implied, ok := d.GetInt("implied_port"); ok && implied != 0 {
			a.ImpliedPort = true
		}
		token, ok := d.GetString("token")
		if !ok {
			return nil, fmt.Errorf("%w: token", ErrMissingField)
		}
		a.Token = token
	case Ping:
		// id only
	default:
		return nil, ErrUnknownQuery
	}

	return a, nil
}

func decodeValues(d *bencode.Dict) (*Values, error) {
	idBytes, ok := d.GetString("id")
	if !ok || len(idBytes) != types.IDLength {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	v := &Values{}
	copy(v.ID[:], idBytes)

	var nodes []CompactNode
	if raw, ok := d.GetString("nodes"); ok {
		n, err := DecompactNodes(raw, false)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n...)
	}
	if raw, ok := d.GetString("nodes6"); ok {
		n, err := DecompactNodes(raw, true)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n...)
	}
	v.Nodes = nodes

	if token, ok := d.GetString("token"); ok {
		v.Token = token
	}

	if valuesList, ok := d.GetList("values"); ok {
		for _, item := range valuesList {
			b, ok := item.([]byte)
			if !ok {
				continue
			}
			ep, err := DecompactEndpoint(b)
			if err != nil {
				return nil, err
			}
			v.Peers = append(v.Peers, ep)
		}
	}

	return v, nil
}
