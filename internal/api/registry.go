package api

import (
	"github.com/soma-tiles/tileview/internal/service"
)

// SourceInfo contains information about a source for the API response.
type SourceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// SourceCatalog lists the sources views can be opened on.
type SourceCatalog struct {
	views *service.ViewService
	order []string
}

// NewSourceCatalog creates a catalog over the service's sources. order, if
// given, is the listing order from the config file; sources it leaves out
// follow in name order.
func NewSourceCatalog(views *service.ViewService, order ...string) *SourceCatalog {
	return &SourceCatalog{views: views, order: order}
}

// DefaultSource returns the default source ID.
func (c *SourceCatalog) DefaultSource() string {
	_, def := c.views.Sources()
	return def
}

// SourceIDs returns all source IDs in listing order.
func (c *SourceCatalog) SourceIDs() []string {
	names, _ := c.views.Sources()
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	ids := make([]string, 0, len(names))
	for _, id := range c.order {
		if known[id] {
			ids = append(ids, id)
			delete(known, id)
		}
	}
	for _, n := range names {
		if known[n] {
			ids = append(ids, n)
		}
	}
	return ids
}

// Sources returns source info for all configured sources.
func (c *SourceCatalog) Sources() []SourceInfo {
	def := c.DefaultSource()
	ids := c.SourceIDs()
	infos := make([]SourceInfo, 0, len(ids))
	for _, id := range ids {
		// The config key doubles as the display name
		infos = append(infos, SourceInfo{ID: id, Name: id, Default: id == def})
	}
	return infos
}

// Colormaps returns the colormaps a data map may name.
func (c *SourceCatalog) Colormaps() []string {
	return c.views.Colormaps()
}
