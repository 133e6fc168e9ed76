// Package source resolves named image sources and decodes them into rasters.
//
// Ordinary image files go through the image registry (PNG, JPEG, GIF, TIFF,
// BMP and WebP). A path ending in ".json" names a raw sample file header,
// see RawHeader.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/soma-tiles/tileview/internal/logging"
	"github.com/soma-tiles/tileview/internal/raster"
)

var (
	// ErrUnknownSource indicates a name missing from the source table.
	ErrUnknownSource = errors.New("source: unknown source")
	// ErrFormat indicates a file that cannot be decoded.
	ErrFormat = errors.New("source: unsupported format")
)

// Entry describes one configured source.
type Entry struct {
	Path   string
	NoData *uint32 // Overrides the no-data value stored in the file
}

// Cache stores decoded rasters between loads.
type Cache interface {
	GetSource(key string) (*raster.Raster, bool)
	AddSource(key string, r *raster.Raster)
}

// Config contains loader configuration.
type Config struct {
	Entries map[string]Entry
	Default string // Name used for an empty request, defaults to the first name
	Cache   Cache  // Optional decoded raster cache
}

// Stats counts loader activity.
type Stats struct {
	Loads   uint64 `json:"loads"`
	Decodes uint64 `json:"decodes"`
	Hits    uint64 `json:"hits"`
}

// Loader decodes named sources. It is safe for concurrent use; concurrent
// loads of one name share a single decode.
type Loader struct {
	entries map[string]Entry
	def     string
	cache   Cache
	group   singleflight.Group

	loads   atomic.Uint64
	decodes atomic.Uint64
	hits    atomic.Uint64
}

// NewLoader creates a loader for the configured source table.
func NewLoader(cfg Config) *Loader {
	entries := make(map[string]Entry, len(cfg.Entries))
	for name, e := range cfg.Entries {
		entries[name] = e
	}
	l := &Loader{entries: entries, def: cfg.Default, cache: cfg.Cache}
	if l.def == "" {
		if names := l.Names(); len(names) > 0 {
			l.def = names[0]
		}
	}
	return l
}

// Names returns the configured source names in sorted order.
func (l *Loader) Names() []string {
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the default source name.
func (l *Loader) Default() string { return l.def }

// Lookup returns the entry called name.
func (l *Loader) Lookup(name string) (Entry, bool) {
	e, ok := l.entries[name]
	return e, ok
}

// Stats returns loader counters.
func (l *Loader) Stats() Stats {
	return Stats{Loads: l.loads.Load(), Decodes: l.decodes.Load(), Hits: l.hits.Load()}
}

// Load returns the decoded source called name. An empty name selects the
// default source.
func (l *Loader) Load(ctx context.Context, name string) (*raster.Raster, error) {
	l.loads.Add(1)
	if name == "" {
		name = l.def
	}
	e, ok := l.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	if l.cache != nil {
		if r, ok := l.cache.GetSource(name); ok {
			l.hits.Add(1)
			return r, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := l.group.DoChan(name, func() (interface{}, error) {
		r, err := l.decode(e)
		if err != nil {
			return nil, err
		}
		r.Name = name
		if l.cache != nil {
			l.cache.AddSource(name, r)
		}
		return r, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("load %s: %w", name, res.Err)
		}
		return res.Val.(*raster.Raster), nil
	}
}

func (l *Loader) decode(e Entry) (*raster.Raster, error) {
	l.decodes.Add(1)
	log := logging.L()
	log.Info("[Source] decoding", "path", e.Path)

	var (
		r   *raster.Raster
		err error
	)
	if strings.EqualFold(filepath.Ext(e.Path), ".json") {
		r, err = l.readRaw(e.Path)
	} else {
		r, err = readImage(e.Path)
	}
	if err != nil {
		return nil, err
	}
	if e.NoData != nil {
		r.SetNoData(*e.NoData)
	}
	log.Info("[Source] decoded", "path", e.Path, "width", r.Width(), "height", r.Height(), "bands", r.Bands(), "depth", r.Depth())
	return r, nil
}

func readImage(path string) (*raster.Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %s", ErrFormat, filepath.Base(path))
		}
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	logging.L().Debug("[Source] image decoded", "path", path, "format", format)
	return raster.FromImage(img), nil
}
