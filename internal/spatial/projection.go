// internal/spatial/projection.go - Web Mercator tile projection
package spatial

import (
	"math"
	"sort"
)

// earthRadiusKm is the mean Earth radius used by the equirectangular approximation
const earthRadiusKm = 6371.0

// LatLonToTile projects a point to the tile containing it at the given zoom.
// The result is clamped to the tile grid so pole and antimeridian inputs
// never overflow.
func LatLonToTile(lat, lon float64, zoom uint32) TileCoord {
	if zoom > MaxZoom {
		zoom = MaxZoom
	}
	n := math.Exp2(float64(zoom))

	x := (lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	y := (1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n

	return TileCoord{
		Z: zoom,
		X: clampTileIndex(x, n),
		Y: clampTileIndex(y, n),
	}
}

// clampTileIndex floors a fractional tile index into [0, n-1]
func clampTileIndex(v, n float64) uint32 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > n-1:
		return uint32(n - 1)
	default:
		return uint32(math.Floor(v))
	}
}

// TileToLatLon returns the top-left (north-west) corner of a tile
func TileToLatLon(z, x, y uint32) (lat, lon float64) {
	b := TileCoord{Z: z, X: x, Y: y}.Bound()
	return b.Top(), b.Left()
}

// TileCenter returns the centre point of a tile
func TileCenter(t TileCoord) (lat, lon float64) {
	c := t.Bound().Center()
	return c.Lat(), c.Lon()
}

// BoundsFromCenter derives a box around a point using an equirectangular
// approximation, which is accurate enough for radii up to ~100km. Latitudes
// are clamped to the Web Mercator range; longitudes wrap, so a box spilling
// over the antimeridian comes back with East < West.
func BoundsFromCenter(lat, lon, radiusKm float64) Bounds {
	latDelta := radiusKm / earthRadiusKm * 180.0 / math.Pi

	cosLat := math.Cos(lat * math.Pi / 180.0)
	lonDelta := 180.0
	if cosLat > 1e-9 {
		lonDelta = math.Min(latDelta/cosLat, 180.0)
	}

	b := Bounds{
		North: math.Min(lat+latDelta, MaxLatitude),
		South: math.Max(lat-latDelta, MinLatitude),
	}
	if lonDelta >= 180.0 {
		b.West, b.East = -180.0, 180.0
		return b
	}
	b.West = wrapLongitude(lon - lonDelta)
	b.East = wrapLongitude(lon + lonDelta)
	return b
}

// wrapLongitude is NormalizeLongitude but keeps exactly 180 as 180
func wrapLongitude(lon float64) float64 {
	if lon == 180 {
		return lon
	}
	return NormalizeLongitude(lon)
}

// TilesForBounds lists every tile intersecting the box for each zoom in
// [minZoom, maxZoom], ordered by zoom, then x, then y.
func TilesForBounds(b Bounds, minZoom, maxZoom uint32) []TileCoord {
	if maxZoom > MaxZoom {
		maxZoom = MaxZoom
	}

	var tiles []TileCoord
	for z := minZoom; z <= maxZoom; z++ {
		nw := LatLonToTile(b.North, b.West, z)
		se := LatLonToTile(b.South, b.East, z)

		for _, x := range columnRange(nw.X, se.X, z, b.CrossesAntimeridian()) {
			for y := nw.Y; y <= se.Y; y++ {
				tiles = append(tiles, TileCoord{Z: z, X: x, Y: y})
			}
		}
	}
	return tiles
}

// CountTiles returns len(TilesForBounds(...)) without materialising the slice
func CountTiles(b Bounds, minZoom, maxZoom uint32) int64 {
	if maxZoom > MaxZoom {
		maxZoom = MaxZoom
	}

	var total int64
	for z := minZoom; z <= maxZoom; z++ {
		nw := LatLonToTile(b.North, b.West, z)
		se := LatLonToTile(b.South, b.East, z)
		cols := int64(len(columnRange(nw.X, se.X, z, b.CrossesAntimeridian())))
		total += cols * int64(se.Y-nw.Y+1)
	}
	return total
}

// columnRange enumerates the x indices between west and east, wrapping when needed
func columnRange(west, east, zoom uint32, wraps bool) []uint32 {
	var cols []uint32
	if !wraps {
		for x := west; x <= east; x++ {
			cols = append(cols, x)
		}
		return cols
	}

	last := (uint32(1) << zoom) - 1
	seen := make(map[uint32]struct{})
	for x := west; x <= last; x++ {
		seen[x] = struct{}{}
	}
	for x := uint32(0); x <= east; x++ {
		seen[x] = struct{}{}
	}
	for x := range seen {
		cols = append(cols, x)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })
	return cols
}

// GroupByZoom splits a tile list into per-zoom slices in ascending zoom order
func GroupByZoom(tiles []TileCoord) [][]TileCoord {
	byZoom := make(map[uint32][]TileCoord)
	var zooms []uint32
	for _, t := range tiles {
		if _, ok := byZoom[t.Z]; !ok {
			zooms = append(zooms, t.Z)
		}
		byZoom[t.Z] = append(byZoom[t.Z], t)
	}
	sort.Slice(zooms, func(i, j int) bool { return zooms[i] < zooms[j] })

	groups := make([][]TileCoord, 0, len(zooms))
	for _, z := range zooms {
		groups = append(groups, byZoom[z])
	}
	return groups
}
