// internal/rmsp/announce.go - RMSP server announces
package rmsp

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ugorji/go/codec"
)

// Protocol constants
const (
	AppName = "rmsp"
	Aspect  = "maps"
	Version = "0.1.0"

	FormatPMTiles = "pmtiles"
	FormatMicro   = "micro"
)

// Announce defaults for keys a server leaves out
const (
	defaultVersion = "0.0.0"
	defaultName    = "Unknown"
	defaultLayer   = "osm"
)

var defaultZoomRange = [2]uint32{0, 15}

// ServerInfo describes a map server learned from its announce
type ServerInfo struct {
	DestinationHash []byte    `json:"-"`
	Version         string    `json:"version"`
	Name            string    `json:"name"`
	Coverage        []string  `json:"coverage"`
	ZoomRange       [2]uint32 `json:"zoom_range"`
	Formats         []string  `json:"formats"`
	Layers          []string  `json:"layers"`
	Updated         int64     `json:"updated"`
	Size            *int64    `json:"size"`
	LastSeen        time.Time `json:"last_seen"`
	Hops            int       `json:"hops"`
}

// Hex returns the destination hash in hex
func (s *ServerInfo) Hex() string {
	return hex.EncodeToString(s.DestinationHash)
}

// CoversGeohash reports whether the server has data for a geohash. Empty
// coverage, or an empty prefix, means global coverage. Otherwise either
// string may be a prefix of the other.
func (s *ServerInfo) CoversGeohash(geohash string) bool {
	if len(s.Coverage) == 0 {
		return true
	}
	for _, prefix := range s.Coverage {
		if prefix == "" || strings.HasPrefix(geohash, prefix) || strings.HasPrefix(prefix, geohash) {
			return true
		}
	}
	return false
}

// announcePayload is the msgpack app data carried by an announce
type announcePayload struct {
	Version  *string  `codec:"v"`
	Name     *string  `codec:"n"`
	Coverage []string `codec:"c"`
	Zoom     []uint32 `codec:"z"`
	Formats  []string `codec:"f"`
	Layers   []string `codec:"l"`
	Updated  int64    `codec:"u"`
	Size     *int64   `codec:"s"`
}

// ParseAnnounce decodes announce app data for a destination
func ParseAnnounce(destHash, appData []byte, hops int) (*ServerInfo, error) {
	if len(destHash) == 0 {
		return nil, fmt.Errorf("announce has no destination hash")
	}

	var p announcePayload
	if err := codec.NewDecoderBytes(appData, msgpackHandle()).Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid announce from %s: %w", hex.EncodeToString(destHash), err)
	}

	info := &ServerInfo{
		DestinationHash: append([]byte(nil), destHash...),
		Version:         defaultVersion,
		Name:            defaultName,
		Coverage:        p.Coverage,
		ZoomRange:       defaultZoomRange,
		Formats:         p.Formats,
		Layers:          p.Layers,
		Updated:         p.Updated,
		Size:            p.Size,
		LastSeen:        time.Now(),
		Hops:            hops,
	}
	if p.Version != nil {
		info.Version = *p.Version
	}
	if p.Name != nil {
		info.Name = *p.Name
	}
	if len(p.Zoom) == 2 {
		info.ZoomRange = [2]uint32{p.Zoom[0], p.Zoom[1]}
	}
	if p.Formats == nil {
		info.Formats = []string{FormatPMTiles}
	}
	if p.Layers == nil {
		info.Layers = []string{defaultLayer}
	}
	if info.Coverage == nil {
		info.Coverage = []string{}
	}
	return info, nil
}

// msgpackHandle returns a handle configured for the RMSP wire encoding:
// str and bin are distinct, and str decodes to string
func msgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	return h
}
