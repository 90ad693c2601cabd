package sst

import "github.com/pierrec/lz4/v3"

// compressThreshold is the payload size above which a segment is worth
// paying lz4's framing overhead for (spec.md:94's domain-stack entry:
// "optional payload compression for SST segments above a size
// threshold"). Below it the block header itself would dominate.
const compressThreshold = 512

// origLenSize is the width of the original-length prefix a compressed
// payload carries so decompress knows how big a destination buffer to
// allocate; lz4's raw block format carries no length of its own.
const origLenSize = 2

// maybeCompress returns payload unchanged (compressed=false) unless it's
// at least compressThreshold bytes AND lz4 actually shrinks it -- an
// incompressible payload (already-compressed media, random bytes) is
// sent as-is rather than paying the framing overhead for nothing.
func maybeCompress(payload []byte) (out []byte, compressed bool) {
	if len(payload) < compressThreshold || len(payload) > 0xFFFF {
		return payload, false
	}
	ht := make([]int, 64<<10)
	dst := make([]byte, origLenSize+lz4.CompressBlockBound(len(payload)))
	dst[0] = byte(len(payload) >> 8)
	dst[1] = byte(len(payload))
	n, err := lz4.CompressBlock(payload, dst[origLenSize:], ht)
	if err != nil || n == 0 || origLenSize+n >= len(payload) {
		return payload, false
	}
	return dst[:origLenSize+n], true
}

// decompress reverses maybeCompress: in carries the origLenSize-byte
// original-length prefix followed by the raw lz4 block.
func decompress(in []byte) ([]byte, error) {
	if len(in) < origLenSize {
		return nil, ErrShortSegment
	}
	origLen := int(in[0])<<8 | int(in[1])
	dst := make([]byte, origLen)
	n, err := lz4.UncompressBlock(in[origLenSize:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
