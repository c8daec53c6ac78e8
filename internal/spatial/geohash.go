// internal/spatial/geohash.go - Geohash encoding and bounding-box covering
package spatial

import (
	"fmt"
	"math"
	"sort"
	"strings"

	geohash "github.com/TomiHiltunen/geohash-golang"
)

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Geohash precision limits
const (
	MinGeohashPrecision = 1
	MaxGeohashPrecision = 12
)

// MaxCoverCells caps the number of cells GeohashesForBounds will emit
const MaxCoverCells = 500

// coverStepFactor shrinks the grid step to 90% of the cell size so adjacent
// samples always land in overlapping cells.
const coverStepFactor = 0.9

// EncodeGeohash encodes a point as a base-32 geohash of the given precision
func EncodeGeohash(lat, lon float64, precision int) string {
	return geohash.EncodeWithPrecision(lat, lon, clampPrecision(precision))
}

// DecodeGeohashBounds returns the cell a geohash denotes
func DecodeGeohashBounds(hash string) (Bounds, error) {
	if hash == "" {
		return Bounds{}, fmt.Errorf("empty geohash")
	}
	hash = strings.ToLower(hash)
	if i := strings.IndexFunc(hash, func(r rune) bool {
		return !strings.ContainsRune(geohashAlphabet, r)
	}); i >= 0 {
		return Bounds{}, fmt.Errorf("invalid geohash character %q at position %d", hash[i], i)
	}

	box := geohash.Decode(hash)
	sw, ne := box.SouthWest(), box.NorthEast()
	return Bounds{North: ne.Lat(), South: sw.Lat(), East: ne.Lng(), West: sw.Lng()}, nil
}

// GeohashCellSize returns the width and height in degrees of a cell at the given precision
func GeohashCellSize(precision int) (lonDeg, latDeg float64) {
	bits := 5 * clampPrecision(precision)
	lonBits := (bits + 1) / 2
	latBits := bits / 2
	return 360.0 / math.Exp2(float64(lonBits)), 180.0 / math.Exp2(float64(latBits))
}

// GeohashesForBounds covers a box with geohash cells at the given precision.
// Sampling walks a grid whose step is 90% of the cell size, then closes the
// south, north and east edges and the north-east corner. Longitudes are
// walked in the extended range [-180, 540) so boxes crossing the
// antimeridian need no special casing. At most MaxCoverCells cells are
// returned; truncated reports whether the cap was hit. Cells are sorted.
func GeohashesForBounds(b Bounds, precision int) (cells []string, truncated bool) {
	precision = clampPrecision(precision)
	cellLon, cellLat := GeohashCellSize(precision)
	stepLon := cellLon * coverStepFactor
	stepLat := cellLat * coverStepFactor

	west := b.West
	east := b.East
	if east < west {
		east += 360
	}
	south := math.Max(b.South, -90)
	north := math.Min(b.North, 90)

	set := make(map[string]struct{})
	add := func(lat, lon float64) bool {
		cell := EncodeGeohash(lat, NormalizeLongitude(lon), precision)
		if _, seen := set[cell]; seen {
			return true
		}
		if len(set) >= MaxCoverCells {
			truncated = true
			return false
		}
		set[cell] = struct{}{}
		return true
	}

	func() {
		for lat := south; lat <= north; lat += stepLat {
			for lon := west; lon <= east; lon += stepLon {
				if !add(lat, lon) {
					return
				}
			}
			// east edge of this row
			if !add(lat, east) {
				return
			}
		}
		// north edge
		for lon := west; lon <= east; lon += stepLon {
			if !add(north, lon) {
				return
			}
		}
		// south edge
		for lon := west; lon <= east; lon += stepLon {
			if !add(south, lon) {
				return
			}
		}
		add(north, east)
		add(south, east)
	}()

	cells = make([]string, 0, len(set))
	for c := range set {
		cells = append(cells, c)
	}
	sort.Strings(cells)
	return cells, truncated
}

// PrecisionForRadius picks the geohash precision used for mesh queries.
// This is a fixed policy table rather than something derived from cell
// geometry: <=5km -> 5, <=20km -> 4, <=50km -> 4, otherwise 3.
func PrecisionForRadius(radiusKm float64) int {
	switch {
	case radiusKm <= 5:
		return 5
	case radiusKm <= 20:
		return 4
	case radiusKm <= 50:
		return 4
	default:
		return 3
	}
}

func clampPrecision(p int) int {
	if p < MinGeohashPrecision {
		return MinGeohashPrecision
	}
	if p > MaxGeohashPrecision {
		return MaxGeohashPrecision
	}
	return p
}
