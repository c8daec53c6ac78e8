// internal/codec/codec.go - RMSP tile bundle wire format
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valpere/tile_packer/internal/spatial"
)

// Wire format limits. A bundle is untrusted peer input, so every numeric
// field is checked against these before it is used as a size or index.
const (
	MaxTileCount    = 100_000
	MaxTileSize     = 1_000_000
	MaxTotalPayload = 100_000_000

	countHeaderSize = 4
	entryHeaderSize = 1 + 4 + 4 + 4
)

var (
	// ErrCorrupt marks a bundle whose fields violate the wire limits.
	// Nothing after the offending entry is trusted.
	ErrCorrupt = errors.New("corrupt tile bundle")
	// ErrTruncated marks a bundle that ended before the advertised count
	ErrTruncated = errors.New("truncated tile bundle")
)

// Tile is one decoded bundle entry
type Tile struct {
	Coord spatial.TileCoord
	Data  []byte
}

// Decode parses a bundle and returns every entry that was read before the
// first failed check. It never fails; use DecodeDetailed to learn why a
// decode stopped early.
func Decode(buf []byte) []Tile {
	tiles, _ := DecodeDetailed(buf)
	return tiles
}

// DecodeDetailed parses a bundle like Decode and also reports why parsing
// stopped: ErrTruncated when the buffer ran out, ErrCorrupt (wrapped with
// detail) when a field was out of range. Tiles decoded before the stop are
// always returned.
func DecodeDetailed(buf []byte) ([]Tile, error) {
	return decode(buf, defaultLimits)
}

type limits struct {
	count uint32
	size  uint32
	total uint64
}

var defaultLimits = limits{count: MaxTileCount, size: MaxTileSize, total: MaxTotalPayload}

func decode(buf []byte, lim limits) ([]Tile, error) {
	if len(buf) < countHeaderSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(buf))
	}

	count := binary.BigEndian.Uint32(buf)
	if int32(count) < 0 || count > lim.count {
		return nil, fmt.Errorf("%w: tile count %d exceeds %d", ErrCorrupt, count, lim.count)
	}

	var (
		tiles []Tile
		total uint64
		off   = countHeaderSize
	)
	for i := uint32(0); i < count; i++ {
		if len(buf)-off < entryHeaderSize {
			return tiles, fmt.Errorf("%w: entry %d of %d has no header", ErrTruncated, i, count)
		}

		z := uint32(buf[off])
		x := binary.BigEndian.Uint32(buf[off+1:])
		y := binary.BigEndian.Uint32(buf[off+5:])
		size := binary.BigEndian.Uint32(buf[off+9:])
		off += entryHeaderSize

		if z > spatial.MaxZoom {
			return tiles, fmt.Errorf("%w: entry %d zoom %d", ErrCorrupt, i, z)
		}
		if limit := uint32(1) << z; x >= limit || y >= limit {
			return tiles, fmt.Errorf("%w: entry %d tile %d/%d/%d outside grid", ErrCorrupt, i, z, x, y)
		}
		if int32(size) < 0 || size > lim.size {
			return tiles, fmt.Errorf("%w: entry %d size %d", ErrCorrupt, i, size)
		}
		if total+uint64(size) > lim.total {
			return tiles, fmt.Errorf("%w: cumulative payload exceeds %d bytes", ErrCorrupt, lim.total)
		}
		if uint64(len(buf)-off) < uint64(size) {
			return tiles, fmt.Errorf("%w: entry %d wants %d bytes, %d left", ErrTruncated, i, size, len(buf)-off)
		}

		data := make([]byte, size)
		copy(data, buf[off:off+int(size)])
		off += int(size)
		total += uint64(size)

		tiles = append(tiles, Tile{Coord: spatial.TileCoord{Z: z, X: x, Y: y}, Data: data})
	}

	return tiles, nil
}

// Encode builds a bundle from tiles. It enforces the same limits Decode does
// so its output always decodes in full.
func Encode(tiles []Tile) ([]byte, error) {
	if len(tiles) > MaxTileCount {
		return nil, fmt.Errorf("too many tiles: %d > %d", len(tiles), MaxTileCount)
	}

	size := countHeaderSize
	var total uint64
	for i, t := range tiles {
		if !t.Coord.Valid() {
			return nil, fmt.Errorf("tile %d: invalid coordinate %s", i, t.Coord)
		}
		if len(t.Data) > MaxTileSize {
			return nil, fmt.Errorf("tile %s: payload of %d bytes exceeds %d", t.Coord, len(t.Data), MaxTileSize)
		}
		total += uint64(len(t.Data))
		size += entryHeaderSize + len(t.Data)
	}
	if total > MaxTotalPayload {
		return nil, fmt.Errorf("bundle payload of %d bytes exceeds %d", total, MaxTotalPayload)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tiles)))
	for _, t := range tiles {
		buf = append(buf, byte(t.Coord.Z))
		buf = binary.BigEndian.AppendUint32(buf, t.Coord.X)
		buf = binary.BigEndian.AppendUint32(buf, t.Coord.Y)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Data)))
		buf = append(buf, t.Data...)
	}
	return buf, nil
}
