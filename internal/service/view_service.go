// Package service provides business logic for the tile server.
package service

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soma-tiles/tileview/internal/cache"
	"github.com/soma-tiles/tileview/internal/logging"
	"github.com/soma-tiles/tileview/internal/raster"
	"github.com/soma-tiles/tileview/internal/render"
	"github.com/soma-tiles/tileview/internal/schedule"
	"github.com/soma-tiles/tileview/internal/source"
	"github.com/soma-tiles/tileview/internal/syncx"
	"github.com/soma-tiles/tileview/internal/tiling"
	"github.com/soma-tiles/tileview/internal/viewstore"
	"github.com/soma-tiles/tileview/pkg/colormap"
)

var (
	// ErrViewNotFound indicates an unknown view ID.
	ErrViewNotFound = errors.New("view not found")
	// ErrTooManyViews indicates the open view limit was reached.
	ErrTooManyViews = errors.New("too many open views")
	// ErrInvalid indicates a rejected request parameter.
	ErrInvalid = errors.New("invalid parameter")
	// ErrNoStore indicates sessions were requested without a store.
	ErrNoStore = errors.New("session store not configured")
	// ErrSessionNotFound indicates an unknown session name.
	ErrSessionNotFound = errors.New("session not found")
)

// MaxViewSize bounds viewport dimensions.
const MaxViewSize = 8192

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	Loader   *source.Loader
	Cache    *cache.Manager
	Renderer *render.FrameRenderer
	Store    *viewstore.Store  // Optional session store
	Lock     *syncx.RenderLock // Shared by every view, created if nil

	TileSize        int
	Increment       int
	Preview         int
	Immediate       bool
	CancelTimeout   time.Duration
	MinScale        float64
	MaxScale        float64
	DefaultColormap string
	MaxViews        int // default 64

	IdleTimeout          time.Duration // Views untouched this long are closed (default 30m)
	SessionRetentionDays int           // default 30
	CleanupPeriod        time.Duration // default 1m
}

// ViewRequest describes a view to open.
type ViewRequest struct {
	Source string  `json:"source"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Scale  float64 `json:"scale"`
}

// ViewInfo is the externally visible state of a view.
type ViewInfo struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Scale      float64           `json:"scale"`
	Origin     [2]int            `json:"origin"`
	TileSize   int               `json:"tile_size"`
	Bands      [3]int            `json:"bands"`
	DataMap    viewstore.DataMap `json:"data_map"`
	Background string            `json:"background"`
	Status     string            `json:"status"`
	Loaded     bool              `json:"loaded"`
	Version    uint64            `json:"version"`
	Error      string            `json:"error,omitempty"`
	Stats      tiling.Stats      `json:"stats"`
	CreatedAt  time.Time         `json:"created_at"`
}

// View is one open viewport: a tile grid and the scheduler rendering it.
type View struct {
	ID      string
	display *tiling.Display
	sched   *schedule.Scheduler
	created time.Time

	version atomic.Uint64
	touched atomic.Int64

	mu         sync.Mutex
	source     string
	bands      *[3]int // nil = source default
	dataMap    viewstore.DataMap
	background color.RGBA
	status     schedule.Condition
	loaded     bool
	lastErr    string
}

// Repaint records that the view's pixels changed.
func (v *View) Repaint(image.Rectangle) {
	v.version.Add(1)
}

// Version increases whenever the view's pixels change.
func (v *View) Version() uint64 { return v.version.Load() }

// Display returns the view's tile grid.
func (v *View) Display() *tiling.Display { return v.display }

func (v *View) touch() {
	v.touched.Store(time.Now().UnixNano())
}

func (v *View) idleSince() time.Time {
	return time.Unix(0, v.touched.Load())
}

// ViewService handles views and their frames.
type ViewService struct {
	cfg      ViewServiceConfig
	loader   *source.Loader
	cache    *cache.Manager
	renderer *render.FrameRenderer
	store    *viewstore.Store
	lock     *syncx.RenderLock

	mu    sync.RWMutex
	views map[string]*View

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewViewService creates a new view service.
func NewViewService(cfg ViewServiceConfig) *ViewService {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.MaxViews <= 0 {
		cfg.MaxViews = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SessionRetentionDays <= 0 {
		cfg.SessionRetentionDays = 30
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	if cfg.Lock == nil {
		cfg.Lock = syncx.NewRenderLock()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewFrameRenderer(render.Config{})
	}
	if cfg.Loader == nil {
		cfg.Loader = source.NewLoader(source.Config{})
	}
	return &ViewService{
		cfg:      cfg,
		loader:   cfg.Loader,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		store:    cfg.Store,
		lock:     cfg.Lock,
		views:    make(map[string]*View),
		stopCh:   make(chan struct{}),
	}
}

// Sources returns the configured source names and the default one.
func (s *ViewService) Sources() (names []string, def string) {
	return s.loader.Names(), s.loader.Default()
}

// Colormaps returns the available colormap names.
func (s *ViewService) Colormaps() []string {
	return colormap.Names()
}

// CreateView opens a view on a source. The source is loaded in the
// background; the view shows the background color until it arrives.
func (s *ViewService) CreateView(req ViewRequest) (*ViewInfo, error) {
	v, err := s.openView(req)
	if err != nil {
		return nil, err
	}
	return s.info(v), nil
}

func (s *ViewService) openView(req ViewRequest) (*View, error) {
	if req.Source == "" {
		req.Source = s.loader.Default()
	}
	if _, ok := s.loader.Lookup(req.Source); !ok {
		return nil, fmt.Errorf("%w: %q", source.ErrUnknownSource, req.Source)
	}
	if err := checkViewSize(req.Width, req.Height); err != nil {
		return nil, err
	}
	if req.Scale < 0 {
		return nil, fmt.Errorf("%w: scale %g", ErrInvalid, req.Scale)
	}

	if s.count() >= s.cfg.MaxViews {
		return nil, ErrTooManyViews
	}
	id := uuid.NewString()
	v := &View{ID: id, created: time.Now(), source: req.Source, status: schedule.Idle}
	v.touch()

	if dm := s.cfg.DefaultColormap; dm != "" && dm != "gray" {
		v.dataMap.Colormap = dm
	}
	v.background = color.RGBA{A: 255}

	v.sched = schedule.New(s.lock, schedule.Config{
		Name:          "view-" + id[:8],
		CancelTimeout: s.cfg.CancelTimeout,
		Immediate:     s.cfg.Immediate,
		Loader:        s.loader,
	})
	v.sched.AddObserver(schedule.ObserverFuncs{
		OnStatus: func(c schedule.Condition) {
			v.mu.Lock()
			v.status = c
			v.mu.Unlock()
		},
		OnError: func(err error) {
			v.mu.Lock()
			v.lastErr = err.Error()
			v.mu.Unlock()
		},
	})

	d, err := tiling.New(v.sched, v, tiling.Config{
		TileSize:  image.Pt(s.cfg.TileSize, s.cfg.TileSize),
		MinScale:  s.cfg.MinScale,
		MaxScale:  s.cfg.MaxScale,
		Scale:     req.Scale,
		Increment: s.cfg.Increment,
		Preview:   s.cfg.Preview,
		OnSource:  func(r *raster.Raster) { s.sourceInstalled(v, r) },
	})
	if err != nil {
		v.sched.Finish(0)
		return nil, err
	}
	v.display = d
	if err := d.SetBackground(v.background); err != nil {
		logging.L().Warn("[ViewService] set background", "view", id, "error", err)
	}
	if err := d.Resize(image.Pt(req.Width, req.Height)); err != nil {
		s.closeView(v)
		return nil, err
	}

	s.mu.Lock()
	if len(s.views) >= s.cfg.MaxViews {
		s.mu.Unlock()
		s.closeView(v)
		return nil, ErrTooManyViews
	}
	s.views[id] = v
	s.mu.Unlock()
	d.LoadSource(req.Source)

	logging.L().Info("[ViewService] view opened", "view", id, "source", req.Source, "width", req.Width, "height", req.Height)
	return v, nil
}

func (s *ViewService) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

func checkViewSize(w, h int) error {
	if w < 0 || h < 0 || w > MaxViewSize || h > MaxViewSize {
		return fmt.Errorf("%w: viewport %dx%d", ErrInvalid, w, h)
	}
	return nil
}

// sourceInstalled runs on the render worker once a source is displayed.
func (s *ViewService) sourceInstalled(v *View, r *raster.Raster) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loaded = true
	v.lastErr = ""
	if err := v.applyMapsLocked(r); err != nil {
		v.lastErr = err.Error()
		logging.L().Warn("[ViewService] apply data map", "view", v.ID, "error", err)
	}
}

// effectiveBands returns the band map to display. A colormap colors the
// first selected band in every channel.
func (v *View) effectiveBandsLocked(r *raster.Raster) [3]int {
	bands := [3]int{0, 1, 2}
	if r != nil && r.Bands() < 3 {
		bands = [3]int{0, 0, 0}
	}
	if v.bands != nil {
		bands = *v.bands
	}
	if v.dataMap.Colormap != "" {
		bands = [3]int{bands[0], bands[0], bands[0]}
	}
	return bands
}

func buildLUTs(r *raster.Raster, dm viewstore.DataMap) ([3][]uint8, error) {
	var luts [3][]uint8
	size := r.LUTSize()

	var contrast []uint8
	if dm.High > 0 {
		lut, err := colormap.ContrastLUT(size, dm.Low, dm.High)
		if err != nil {
			return luts, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		contrast = lut
	}
	if dm.Colormap == "" {
		return [3][]uint8{contrast, contrast, contrast}, nil
	}
	cm, ok := colormap.Get(dm.Colormap)
	if !ok {
		return luts, fmt.Errorf("%w: colormap %q", ErrInvalid, dm.Colormap)
	}
	return colormap.ChannelLUTs(cm, size, contrast)
}

// applyMapsLocked pushes the view's band and data maps to the display.
func (v *View) applyMapsLocked(r *raster.Raster) error {
	if r == nil {
		return nil
	}
	luts, err := buildLUTs(r, v.dataMap)
	if err != nil {
		return err
	}
	bands := v.effectiveBandsLocked(r)
	for _, b := range bands {
		if b < 0 || b >= r.Bands() {
			return fmt.Errorf("%w: band %d of %d", ErrInvalid, b, r.Bands())
		}
	}
	if err := v.display.SetBandMap(bands); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := v.display.SetDataMaps(luts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// GetView returns the view with the given ID.
func (s *ViewService) GetView(id string) (*View, error) {
	s.mu.RLock()
	v, ok := s.views[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}
	v.touch()
	return v, nil
}

// Info returns the state of a view.
func (s *ViewService) Info(id string) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	return s.info(v), nil
}

func (s *ViewService) info(v *View) *ViewInfo {
	d := v.display
	size := d.ViewSize()
	origin := d.Origin()
	tile := d.TileSize()
	src := d.Source()

	v.mu.Lock()
	info := &ViewInfo{
		ID:         v.ID,
		Source:     v.source,
		Width:      size.X,
		Height:     size.Y,
		Scale:      d.Scale(),
		Origin:     [2]int{origin.X, origin.Y},
		TileSize:   tile.X,
		Bands:      v.effectiveBandsLocked(src),
		DataMap:    v.dataMap,
		Background: hexColor(v.background),
		Status:     v.status.String(),
		Loaded:     v.loaded,
		Error:      v.lastErr,
		CreatedAt:  v.created,
	}
	v.mu.Unlock()
	info.Version = v.Version()
	info.Stats = d.Stats()
	return info
}

// ListViews returns every open view ordered by creation time.
func (s *ViewService) ListViews() []*ViewInfo {
	s.mu.RLock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].created.Before(views[j].created) })
	infos := make([]*ViewInfo, len(views))
	for i, v := range views {
		infos[i] = s.info(v)
	}
	return infos
}

// DeleteView closes a view and disposes of its tiles.
func (s *ViewService) DeleteView(id string) error {
	s.mu.Lock()
	v, ok := s.views[id]
	delete(s.views, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}
	s.closeView(v)
	return nil
}

func (s *ViewService) closeView(v *View) {
	s.mu.Lock()
	delete(s.views, v.ID)
	s.mu.Unlock()
	if v.display != nil {
		v.display.Close()
	}
	if !v.sched.Finish(0) {
		logging.L().Debug("[ViewService] scheduler still stopping", "view", v.ID)
	}
	logging.L().Info("[ViewService] view closed", "view", v.ID)
}

// Resize changes a view's viewport size.
func (s *ViewService) Resize(id string, width, height int) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	if err := checkViewSize(width, height); err != nil {
		return nil, err
	}
	if err := v.display.Resize(image.Pt(width, height)); err != nil {
		return nil, err
	}
	return s.info(v), nil
}

// Pan moves a view's viewport by (dx, dy) display pixels.
func (s *ViewService) Pan(id string, dx, dy int) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	v.display.Pan(dx, dy)
	return s.info(v), nil
}

// SetScale changes a view's scale about the viewport centre.
func (s *ViewService) SetScale(id string, scale float64) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	if err := v.display.SetScale(scale); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s.info(v), nil
}

// SetBands selects the source band shown in each display channel.
func (s *ViewService) SetBands(id string, bands [3]int) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	prev := v.bands
	v.bands = &bands
	err = v.applyMapsLocked(v.display.Source())
	if err != nil {
		v.bands = prev
	}
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.info(v), nil
}

// SetDataMap sets a view's contrast window and colormap.
func (s *ViewService) SetDataMap(id string, dm viewstore.DataMap) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	if dm.Colormap == "gray" {
		dm.Colormap = ""
	}
	if dm.Colormap != "" {
		if _, ok := colormap.Get(dm.Colormap); !ok {
			return nil, fmt.Errorf("%w: colormap %q", ErrInvalid, dm.Colormap)
		}
	}
	if dm.High < 0 || dm.Low < 0 || (dm.High > 0 && dm.Low >= dm.High) {
		return nil, fmt.Errorf("%w: contrast window %d..%d", ErrInvalid, dm.Low, dm.High)
	}

	v.mu.Lock()
	prev := v.dataMap
	v.dataMap = dm
	err = v.applyMapsLocked(v.display.Source())
	if err != nil {
		v.dataMap = prev
	}
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.info(v), nil
}

// SetBackground sets the color shown where the source has no data.
func (s *ViewService) SetBackground(id string, c color.RGBA) (*ViewInfo, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	if err := v.display.SetBackground(c); err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.background = c
	v.mu.Unlock()
	return s.info(v), nil
}

// Cancel stops all rendering of a view and waits, bounded by the cancel
// timeout, for the active tile. It reports whether rendering stopped.
func (s *ViewService) Cancel(id string) (bool, error) {
	v, err := s.GetView(id)
	if err != nil {
		return false, err
	}
	return v.sched.Reset(schedule.WaitUntilDone), nil
}

// Frame returns the view's current frame as PNG and the version it shows.
func (s *ViewService) Frame(id string, grid bool) ([]byte, uint64, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, 0, err
	}
	version := v.Version()
	key := cache.FrameKey(v.ID, version, grid)
	if s.cache != nil {
		if data, ok := s.cache.GetFrame(key); ok {
			return data, version, nil
		}
	}

	data, err := s.renderer.RenderFrame(v.display, render.FrameOptions{Grid: grid})
	if err != nil {
		return nil, 0, fmt.Errorf("render frame: %w", err)
	}
	if s.cache != nil && v.display.Pending() == 0 && v.Version() == version {
		if err := s.cache.SetFrame(key, data); err != nil {
			logging.L().Debug("[ViewService] frame not cached", "view", v.ID, "error", err)
		}
	}
	return data, version, nil
}

// Tile returns one grid tile as PNG. Cells are (col, row); visible tiles
// start at (1,1).
func (s *ViewService) Tile(id string, row, col int) ([]byte, error) {
	v, err := s.GetView(id)
	if err != nil {
		return nil, err
	}
	t, ok := v.display.TileAt(image.Pt(col, row))
	if !ok {
		return nil, fmt.Errorf("%w: tile %d/%d", ErrInvalid, row, col)
	}
	version := v.Version()
	key := cache.TileKey(v.ID, version, row, col)
	if s.cache != nil {
		if data, ok := s.cache.GetFrame(key); ok {
			return data, nil
		}
	}
	data, err := s.renderer.RenderTile(t)
	if err != nil {
		return nil, fmt.Errorf("render tile: %w", err)
	}
	if s.cache != nil && t.Ready {
		if err := s.cache.SetFrame(key, data); err != nil {
			logging.L().Debug("[ViewService] tile not cached", "view", v.ID, "error", err)
		}
	}
	return data, nil
}

// Close closes every view and stops background cleanup.
func (s *ViewService) Close() {
	s.Stop()
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()
	for _, v := range views {
		s.closeView(v)
	}
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// ParseColor parses "#rgb", "#rrggbb" or "#rrggbbaa".
func ParseColor(s string) (color.RGBA, error) {
	bad := fmt.Errorf("%w: color %q", ErrInvalid, s)
	if !strings.HasPrefix(s, "#") {
		return color.RGBA{}, bad
	}
	digits := s[1:]
	if len(digits) == 3 {
		digits = string([]byte{digits[0], digits[0], digits[1], digits[1], digits[2], digits[2]})
	}
	if len(digits) == 6 {
		digits += "ff"
	}
	if len(digits) != 8 {
		return color.RGBA{}, bad
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return color.RGBA{}, bad
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

var _ tiling.Repainter = (*View)(nil)
