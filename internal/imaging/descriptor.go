package imaging

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// DescriptorSize is the byte width of one binary descriptor (256 bits).
const DescriptorSize = 32

// Descriptor is a fixed-length binary vector summarizing local image
// structure around one keypoint.
type Descriptor [DescriptorSize]byte

// DescriptorSet is the unordered collection of descriptors extracted from a
// single image. Treated as immutable once produced.
type DescriptorSet []Descriptor

// Hamming returns the number of differing bits between two descriptors.
func Hamming(a, b Descriptor) int {
	dist := 0
	for i := 0; i < DescriptorSize; i += 8 {
		x := binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:])
		dist += bits.OnesCount64(x)
	}
	return dist
}

// Marshal encodes the set as a length-prefixed blob for template storage.
func (s DescriptorSet) Marshal() []byte {
	buf := make([]byte, 4+len(s)*DescriptorSize)
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	for i, d := range s {
		copy(buf[4+i*DescriptorSize:], d[:])
	}
	return buf
}

// UnmarshalDescriptorSet decodes a blob produced by Marshal.
func UnmarshalDescriptorSet(data []byte) (DescriptorSet, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("descriptor blob too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint32(data))
	if len(data) != 4+n*DescriptorSize {
		return nil, fmt.Errorf("descriptor blob length mismatch: header says %d descriptors, payload is %d bytes", n, len(data)-4)
	}
	set := make(DescriptorSet, n)
	for i := range set {
		copy(set[i][:], data[4+i*DescriptorSize:])
	}
	return set, nil
}
