// internal/rmsp/registry.go - Known RMSP servers
package rmsp

import (
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry tracks discovered servers keyed by destination hash. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerInfo
	now     func() time.Time
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		servers: make(map[string]*ServerInfo),
		now:     time.Now,
		logger:  logger,
	}
}

// Upsert stores or replaces a server, stamping it as seen now
func (r *Registry) Upsert(info *ServerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info.LastSeen = r.now()
	_, known := r.servers[info.Hex()]
	r.servers[info.Hex()] = info
	if !known {
		r.logger.Info("Discovered RMSP server",
			zap.String("name", info.Name),
			zap.String("hash", shortHash(info.Hex())),
			zap.Int("hops", info.Hops))
	}
}

// AddAnnounce parses an announce and stores the server
func (r *Registry) AddAnnounce(destHash, appData []byte, hops int) (*ServerInfo, error) {
	info, err := ParseAnnounce(destHash, appData, hops)
	if err != nil {
		return nil, err
	}
	r.Upsert(info)
	return info, nil
}

// Get looks a server up by hex destination hash. Invalid hex finds nothing.
func (r *Registry) Get(hexHash string) (*ServerInfo, bool) {
	if _, err := hex.DecodeString(hexHash); err != nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.servers[strings.ToLower(hexHash)]
	return info, ok
}

// Servers returns every known server ordered by hops, then name
func (r *Registry) Servers() []*ServerInfo {
	r.mu.RLock()
	out := make([]*ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ServersForGeohash returns servers covering the geohash, nearest first
func (r *Registry) ServersForGeohash(geohash string) []*ServerInfo {
	var out []*ServerInfo
	for _, s := range r.Servers() {
		if s.CoversGeohash(geohash) {
			out = append(out, s)
		}
	}
	return out
}

// Nearest returns up to limit servers with the fewest hops
func (r *Registry) Nearest(limit int) []*ServerInfo {
	all := r.Servers()
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// RemoveStale drops servers not seen within maxAge and returns how many went
func (r *Registry) RemoveStale(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, s := range r.servers {
		if s.LastSeen.Before(cutoff) {
			delete(r.servers, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Removed stale RMSP servers", zap.Int("count", removed))
	}
	return removed
}

// Clear forgets every server
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]*ServerInfo)
}

// Len returns the number of known servers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
