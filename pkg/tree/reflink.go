package tree

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/orneryd/mindtree/pkg/storage"
)

// ForeignRefLink records a REFERENCE edge from outside a trashed subtree
// into it, so that restore can put it back where it was.
type ForeignRefLink struct {
	Referrer storage.VertexID
	Referent storage.VertexID
	Edge     storage.EdgeID
	Pos      int
}

const refLinkHeader = 16

// encode packs l as a base64 string: four big-endian uint32 (position and
// the three id lengths) followed by the id bytes.
func (l ForeignRefLink) encode() (string, error) {
	if l.Pos < 0 || l.Pos > math.MaxInt32 {
		return "", fmt.Errorf("%w: reference position %d", ErrInvalidArgument, l.Pos)
	}
	ids := [...]string{string(l.Referrer), string(l.Referent), string(l.Edge)}
	size := refLinkHeader
	for _, id := range ids {
		size += len(id)
	}

	buf := make([]byte, refLinkHeader, size)
	binary.BigEndian.PutUint32(buf[0:], uint32(l.Pos))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(len(id)))
	}
	for _, id := range ids {
		buf = append(buf, id...)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func decodeRefLink(s string) (ForeignRefLink, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ForeignRefLink{}, fmt.Errorf("%w: reference record: %w", ErrInvariantViolation, err)
	}
	if len(buf) < refLinkHeader {
		return ForeignRefLink{}, fmt.Errorf("%w: reference record of %d bytes", ErrInvariantViolation, len(buf))
	}

	pos := binary.BigEndian.Uint32(buf[0:])
	var lens [3]int
	total := refLinkHeader
	for i := range lens {
		lens[i] = int(binary.BigEndian.Uint32(buf[4+4*i:]))
		total += lens[i]
	}
	if pos > math.MaxInt32 || total != len(buf) {
		return ForeignRefLink{}, fmt.Errorf("%w: malformed reference record", ErrInvariantViolation)
	}

	var ids [3]string
	off := refLinkHeader
	for i, n := range lens {
		ids[i] = string(buf[off : off+n])
		off += n
	}
	return ForeignRefLink{
		Referrer: storage.VertexID(ids[0]),
		Referent: storage.VertexID(ids[1]),
		Edge:     storage.EdgeID(ids[2]),
		Pos:      int(pos),
	}, nil
}

// promote swaps provisional ids for durable ones.
func (l ForeignRefLink) promote(p storage.Promotion) ForeignRefLink {
	l.Referrer = p.Vertex(l.Referrer)
	l.Referent = p.Vertex(l.Referent)
	l.Edge = p.Edge(l.Edge)
	return l
}
