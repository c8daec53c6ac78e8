// internal/spatial/types.go - Spatial value types
package spatial

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the deepest zoom level accepted anywhere in the pipeline
const MaxZoom = 22

// Web Mercator latitude limits
const (
	MinLatitude = -85.05112878
	MaxLatitude = 85.05112878
)

// TileCoord addresses one tile in the XYZ scheme. For zoom z, 0 <= X,Y < 2^z.
type TileCoord struct {
	Z uint32 `json:"z"`
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// String returns the z/x/y form of the coordinate
func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid reports whether the coordinate lies inside the tile grid of its zoom level
func (t TileCoord) Valid() bool {
	if t.Z > MaxZoom {
		return false
	}
	n := uint32(1) << t.Z
	return t.X < n && t.Y < n
}

// Tile converts the coordinate to an orb maptile
func (t TileCoord) Tile() maptile.Tile {
	return maptile.New(t.X, t.Y, maptile.Zoom(t.Z))
}

// Bound returns the geographic extent of the tile
func (t TileCoord) Bound() orb.Bound {
	return t.Tile().Bound()
}

// Bounds is a geographic box in degrees. East < West signals a box that
// crosses the antimeridian.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Validate checks the latitude ordering and coordinate ranges
func (b Bounds) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// CrossesAntimeridian reports whether the box wraps past 180 degrees
func (b Bounds) CrossesAntimeridian() bool {
	return b.East < b.West
}

// Contains reports whether the point lies inside the box, honouring wraparound
func (b Bounds) Contains(lat, lon float64) bool {
	if lat < b.South || lat > b.North {
		return false
	}
	if b.CrossesAntimeridian() {
		return lon >= b.West || lon <= b.East
	}
	return lon >= b.West && lon <= b.East
}

// Bound converts to an orb.Bound. A wrapping box is returned with its
// east edge shifted past 180 so that Min stays west of Max.
func (b Bounds) Bound() orb.Bound {
	east := b.East
	if b.CrossesAntimeridian() {
		east += 360
	}
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{east, b.North},
	}
}

// Center returns the midpoint of the box with longitude normalised to [-180, 180)
func (b Bounds) Center() (lat, lon float64) {
	c := b.Bound().Center()
	return c.Lat(), NormalizeLongitude(c.Lon())
}

// NormalizeLongitude maps any longitude into [-180, 180)
func NormalizeLongitude(lon float64) float64 {
	for lon >= 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
