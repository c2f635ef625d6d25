package blobgc

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxBlobSize is the largest payload a single store blob may carry.
// Callers chunk larger values before allocating.
const MaxBlobSize = 10 * 1024 * 1024

// BlobChannel is the only channel blob batches can be started on.
const BlobChannel uint32 = 2

// InvalidGroup marks a store blob whose channel had no group at its generation.
const InvalidGroup = ^uint32(0)

var ErrInvalidBlobID = errors.New("invalid blob id")

// GenStep is the (generation, step) pair that orders writes and bounds GC rounds.
type GenStep struct {
	Gen  uint32
	Step uint32
}

func (g GenStep) Compare(other GenStep) int {
	if c := cmp.Compare(g.Gen, other.Gen); c != 0 {
		return c
	}
	return cmp.Compare(g.Step, other.Step)
}

func (g GenStep) Less(other GenStep) bool {
	return g.Compare(other) < 0
}

func (g GenStep) String() string {
	return fmt.Sprintf("%d:%d", g.Gen, g.Step)
}

// ParseGenStep parses the "gen:step" form produced by String.
func ParseGenStep(s string) (GenStep, error) {
	genStr, stepStr, ok := strings.Cut(s, ":")
	if !ok {
		return GenStep{}, fmt.Errorf("gen step %q: missing separator", s)
	}
	gen, err := strconv.ParseUint(genStr, 10, 32)
	if err != nil {
		return GenStep{}, fmt.Errorf("gen step %q: %w", s, err)
	}
	step, err := strconv.ParseUint(stepStr, 10, 32)
	if err != nil {
		return GenStep{}, fmt.Errorf("gen step %q: %w", s, err)
	}
	return GenStep{Gen: uint32(gen), Step: uint32(step)}, nil
}

const genStepEncodedLen = 8

func (g GenStep) MarshalBinary() ([]byte, error) {
	buf := make([]byte, genStepEncodedLen)
	binary.BigEndian.PutUint32(buf[0:4], g.Gen)
	binary.BigEndian.PutUint32(buf[4:8], g.Step)
	return buf, nil
}

func (g *GenStep) UnmarshalBinary(data []byte) error {
	if len(data) != genStepEncodedLen {
		return fmt.Errorf("gen step: unexpected encoded length %d", len(data))
	}
	g.Gen = binary.BigEndian.Uint32(data[0:4])
	g.Step = binary.BigEndian.Uint32(data[4:8])
	return nil
}

type BlobKind uint8

const (
	KindInvalid BlobKind = iota
	KindStore
	KindSmall
)

func (k BlobKind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindSmall:
		return "small"
	default:
		return "invalid"
	}
}

// BlobID identifies either a blob in the distributed block store or a small
// blob kept inline in the metadata tables. The zero value is invalid.
// BlobID is comparable and can be used as a map key.
type BlobID struct {
	kind     BlobKind
	group    uint32
	tabletID uint64
	gen      uint32
	step     uint32
	channel  uint32
	cookie   uint32
	size     uint32
}

func NewStoreBlobID(group uint32, tabletID uint64, gen, step, channel, size, cookie uint32) BlobID {
	return BlobID{
		kind:     KindStore,
		group:    group,
		tabletID: tabletID,
		gen:      gen,
		step:     step,
		channel:  channel,
		cookie:   cookie,
		size:     size,
	}
}

func NewSmallBlobID(tabletID uint64, gen, step, cookie, size uint32) BlobID {
	return BlobID{
		kind:     KindSmall,
		tabletID: tabletID,
		gen:      gen,
		step:     step,
		cookie:   cookie,
		size:     size,
	}
}

func (b BlobID) Kind() BlobKind     { return b.kind }
func (b BlobID) IsValid() bool      { return b.kind != KindInvalid }
func (b BlobID) IsStoreBlob() bool  { return b.kind == KindStore }
func (b BlobID) IsSmallBlob() bool  { return b.kind == KindSmall }
func (b BlobID) Group() uint32      { return b.group }
func (b BlobID) TabletID() uint64   { return b.tabletID }
func (b BlobID) Generation() uint32 { return b.gen }
func (b BlobID) Step() uint32       { return b.step }
func (b BlobID) Channel() uint32    { return b.channel }
func (b BlobID) Cookie() uint32     { return b.cookie }
func (b BlobID) Size() uint32       { return b.size }

func (b BlobID) GenStep() GenStep {
	return GenStep{Gen: b.gen, Step: b.step}
}

// Compare orders blobs by generation, step, channel and cookie. The remaining
// fields only break ties so the order stays total.
func (b BlobID) Compare(other BlobID) int {
	if c := b.GenStep().Compare(other.GenStep()); c != 0 {
		return c
	}
	if c := cmp.Compare(b.channel, other.channel); c != 0 {
		return c
	}
	if c := cmp.Compare(b.cookie, other.cookie); c != 0 {
		return c
	}
	if c := cmp.Compare(b.size, other.size); c != 0 {
		return c
	}
	if c := cmp.Compare(b.tabletID, other.tabletID); c != 0 {
		return c
	}
	if c := cmp.Compare(b.group, other.group); c != 0 {
		return c
	}
	return cmp.Compare(b.kind, other.kind)
}

func (b BlobID) Less(other BlobID) bool {
	return b.Compare(other) < 0
}

// String renders store blobs as DS:<group>:[tablet:gen:step:channel:cookie:size]
// and small blobs as SM[tablet:gen:step:cookie:size].
func (b BlobID) String() string {
	switch b.kind {
	case KindStore:
		return fmt.Sprintf("DS:%d:[%d:%d:%d:%d:%d:%d]", b.group, b.tabletID, b.gen, b.step, b.channel, b.cookie, b.size)
	case KindSmall:
		return fmt.Sprintf("SM[%d:%d:%d:%d:%d]", b.tabletID, b.gen, b.step, b.cookie, b.size)
	default:
		return "<invalid>"
	}
}

// ParseBlobID parses the form produced by BlobID.String.
func ParseBlobID(s string) (BlobID, error) {
	switch {
	case strings.HasPrefix(s, "DS:"):
		groupStr, rest, ok := strings.Cut(strings.TrimPrefix(s, "DS:"), ":")
		if !ok {
			return BlobID{}, fmt.Errorf("%w: %q", ErrInvalidBlobID, s)
		}
		group, err := strconv.ParseUint(groupStr, 10, 32)
		if err != nil {
			return BlobID{}, fmt.Errorf("%w: %q: %v", ErrInvalidBlobID, s, err)
		}
		fields, err := parseBracketFields(rest, 6)
		if err != nil {
			return BlobID{}, fmt.Errorf("%w: %q: %v", ErrInvalidBlobID, s, err)
		}
		return NewStoreBlobID(uint32(group), fields[0], uint32(fields[1]), uint32(fields[2]),
			uint32(fields[3]), uint32(fields[5]), uint32(fields[4])), nil
	case strings.HasPrefix(s, "SM"):
		fields, err := parseBracketFields(strings.TrimPrefix(s, "SM"), 5)
		if err != nil {
			return BlobID{}, fmt.Errorf("%w: %q: %v", ErrInvalidBlobID, s, err)
		}
		return NewSmallBlobID(fields[0], uint32(fields[1]), uint32(fields[2]), uint32(fields[3]), uint32(fields[4])), nil
	default:
		return BlobID{}, fmt.Errorf("%w: %q", ErrInvalidBlobID, s)
	}
}

func parseBracketFields(s string, n int) ([]uint64, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, errors.New("missing brackets")
	}
	parts := strings.Split(s[1:len(s)-1], ":")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d fields, got %d", n, len(parts))
	}
	out := make([]uint64, n)
	for i, p := range parts {
		bits := 32
		if i == 0 {
			bits = 64
		}
		v, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

const blobIDEncodedLen = 1 + 4 + 8 + 4 + 4 + 4 + 4 + 4

// MarshalBinary encodes the id into a fixed-width key. Keys of the same kind
// sort by tablet, generation, step, channel and cookie.
func (b BlobID) MarshalBinary() ([]byte, error) {
	if b.kind == KindInvalid {
		return nil, ErrInvalidBlobID
	}
	buf := make([]byte, blobIDEncodedLen)
	buf[0] = byte(b.kind)
	binary.BigEndian.PutUint64(buf[1:9], b.tabletID)
	binary.BigEndian.PutUint32(buf[9:13], b.gen)
	binary.BigEndian.PutUint32(buf[13:17], b.step)
	binary.BigEndian.PutUint32(buf[17:21], b.channel)
	binary.BigEndian.PutUint32(buf[21:25], b.cookie)
	binary.BigEndian.PutUint32(buf[25:29], b.size)
	binary.BigEndian.PutUint32(buf[29:33], b.group)
	return buf, nil
}

func (b *BlobID) UnmarshalBinary(data []byte) error {
	if len(data) != blobIDEncodedLen {
		return fmt.Errorf("%w: encoded length %d", ErrInvalidBlobID, len(data))
	}
	kind := BlobKind(data[0])
	if kind != KindStore && kind != KindSmall {
		return fmt.Errorf("%w: kind %d", ErrInvalidBlobID, data[0])
	}
	*b = BlobID{
		kind:     kind,
		tabletID: binary.BigEndian.Uint64(data[1:9]),
		gen:      binary.BigEndian.Uint32(data[9:13]),
		step:     binary.BigEndian.Uint32(data[13:17]),
		channel:  binary.BigEndian.Uint32(data[17:21]),
		cookie:   binary.BigEndian.Uint32(data[21:25]),
		size:     binary.BigEndian.Uint32(data[25:29]),
		group:    binary.BigEndian.Uint32(data[29:33]),
	}
	return nil
}
