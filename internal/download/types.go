// internal/download/types.go - Download request and progress types
package download

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/valpere/tile_packer/internal/spatial"
)

var (
	// ErrCancelled is returned when a download stops because of Cancel or
	// a done context
	ErrCancelled = errors.New("download cancelled")
	// ErrDownloadInProgress is returned by DownloadRegion and Reset while a
	// download is running
	ErrDownloadInProgress = errors.New("download already in progress")
	// ErrNoTiles is returned when a region yields nothing to store
	ErrNoTiles = errors.New("no tiles")
)

// BytesPerTileEstimate is the average tile size used for estimates
const BytesPerTileEstimate = 15000

// Status is the state of the coordinator
type Status string

const (
	StatusIdle        Status = "idle"
	StatusCalculating Status = "calculating"
	StatusDownloading Status = "downloading"
	StatusWriting     Status = "writing"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusIdle:        {StatusCalculating},
	StatusCalculating: {StatusDownloading, StatusError, StatusCancelled},
	StatusDownloading: {StatusWriting, StatusError, StatusCancelled},
	StatusWriting:     {StatusComplete, StatusError},
	StatusComplete:    {StatusIdle, StatusCalculating},
	StatusError:       {StatusIdle, StatusCalculating},
	StatusCancelled:   {StatusIdle, StatusCalculating},
}

// CanTransition reports whether the state machine allows s -> to
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further work happens in this status
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Active reports whether a download is running in this status
func (s Status) Active() bool {
	return s == StatusCalculating || s == StatusDownloading || s == StatusWriting
}

// Progress is an immutable snapshot of a download. A unit is a tile for
// HTTP sources and a geohash cell for mesh sources.
type Progress struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Source          string    `json:"source,omitempty"`
	TotalUnits      int64     `json:"total_units"`
	CompletedUnits  int64     `json:"completed_units"`
	FailedUnits     int64     `json:"failed_units"`
	StoredTiles     int64     `json:"stored_tiles"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	CurrentZoom     uint32    `json:"current_zoom"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	OutputPath      string    `json:"output_path,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Fraction returns processed units over total units in [0, 1]
func (p Progress) Fraction() float64 {
	if p.TotalUnits <= 0 {
		return 0
	}
	return math.Min(1, float64(p.CompletedUnits+p.FailedUnits)/float64(p.TotalUnits))
}

// RegionRequest describes one region to download. OutputDir is the
// directory the container is created in.
type RegionRequest struct {
	Name      string  `json:"name" yaml:"name"`
	CenterLat float64 `json:"center_lat" yaml:"center_lat"`
	CenterLon float64 `json:"center_lon" yaml:"center_lon"`
	RadiusKm  float64 `json:"radius_km" yaml:"radius_km"`
	MinZoom   uint32  `json:"min_zoom" yaml:"min_zoom"`
	MaxZoom   uint32  `json:"max_zoom" yaml:"max_zoom"`
	OutputDir string  `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
}

// Validate checks the request ranges
func (r RegionRequest) Validate() error {
	if r.CenterLat < -90 || r.CenterLat > 90 || math.IsNaN(r.CenterLat) {
		return fmt.Errorf("center latitude %f out of range [-90, 90]", r.CenterLat)
	}
	if r.CenterLon < -180 || r.CenterLon > 180 || math.IsNaN(r.CenterLon) {
		return fmt.Errorf("center longitude %f out of range [-180, 180]", r.CenterLon)
	}
	if !(r.RadiusKm > 0) {
		return fmt.Errorf("radius must be positive, got %f", r.RadiusKm)
	}
	if r.MaxZoom > spatial.MaxZoom {
		return fmt.Errorf("max zoom %d exceeds %d", r.MaxZoom, spatial.MaxZoom)
	}
	if r.MinZoom > r.MaxZoom {
		return fmt.Errorf("min zoom %d greater than max zoom %d", r.MinZoom, r.MaxZoom)
	}
	if r.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	return nil
}

// Bounds returns the box around the request centre
func (r RegionRequest) Bounds() spatial.Bounds {
	return spatial.BoundsFromCenter(r.CenterLat, r.CenterLon, r.RadiusKm)
}

// CenterZoom is the zoom stored as the container's default view
func (r RegionRequest) CenterZoom() uint32 {
	return r.MinZoom + (r.MaxZoom-r.MinZoom)/2
}

// Estimate is the expected size of a download
type Estimate struct {
	Tiles     int64 `json:"tiles"`
	Bytes     int64 `json:"bytes"`
	Cells     int   `json:"cells,omitempty"`
	Precision int   `json:"precision,omitempty"`
	Truncated bool  `json:"truncated,omitempty"`
}
