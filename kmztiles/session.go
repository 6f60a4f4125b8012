package kmztiles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FailurePolicy decides what happens when a single tile fails to encode.
// The zero value is invalid so callers always choose one.
type FailurePolicy uint8

const (
	// FailFast aborts the export on the first tile error.
	FailFast FailurePolicy = iota + 1
	// BestEffort renders every tile and packages the ones that succeeded.
	BestEffort
)

// ParseFailurePolicy accepts "fail-fast" and "best-effort".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "fail-fast", "failfast":
		return FailFast, nil
	case "best-effort", "besteffort":
		return BestEffort, nil
	default:
		return 0, configErr("parse failure policy", fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfig, s))
	}
}

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case BestEffort:
		return "best-effort"
	default:
		return "invalid"
	}
}

// Phase is the state of an export session.
type Phase uint8

const (
	Opened Phase = iota
	Planned
	Rendering
	PartiallyFailed
	Packaging
	Done
	Failed
	Canceled
)

func (p Phase) String() string {
	switch p {
	case Opened:
		return "opened"
	case Planned:
		return "planned"
	case Rendering:
		return "rendering"
	case PartiallyFailed:
		return "partially_failed"
	case Packaging:
		return "packaging"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == Done || p == Failed || p == Canceled
}

// Config is everything an export needs besides its input.
type Config struct {
	TilesX  int
	TilesY  int
	Format  OutputFormat
	Opacity float64
	// TargetCRS of the tile bounds. Empty keeps the source CRS.
	TargetCRS        CRS
	CompressionLevel int
	PackageName      string
	Description      string
	Policy           FailurePolicy
	// Workers is the render pool size; 0 means GOMAXPROCS.
	Workers int

	// OutputDir receives the per-tile tree. ArchivePath receives the merged
	// overlay archive. At least one of them is required.
	OutputDir       string
	ArchivePath     string
	PerTileArchives bool
	WorldFiles      bool
	TIFFCompression TIFFCompression
	// Catalog and GeoJSONIndex are optional output paths.
	Catalog      string
	GeoJSONIndex string

	Transformer Transformer
	Encoder     Encoder
	Metrics     *Metrics
}

// DefaultConfig returns a 2x2 GeoTIFF export that stops on the first error.
func DefaultConfig() Config {
	return Config{
		TilesX:           2,
		TilesY:           2,
		Format:           GeoTIFF,
		Opacity:          1,
		CompressionLevel: -1,
		Policy:           FailFast,
		Workers:          runtime.GOMAXPROCS(0),
		TIFFCompression:  TIFFCompressionDeflate,
	}
}

// Validate performs every check that does not need the raster.
func (c Config) Validate() error {
	if c.TilesX < 1 || c.TilesY < 1 {
		return configErr("validate config", fmt.Errorf("%w: %dx%d tiles, both dimensions must be at least 1", ErrInvalidGrid, c.TilesX, c.TilesY))
	}
	if c.Format != GeoTIFF && c.Format != PNG {
		return configErr("validate config", fmt.Errorf("%w: output format %d", ErrInvalidConfig, c.Format))
	}
	if err := ValidateOpacity(c.Opacity); err != nil {
		return err
	}
	if c.TargetCRS != "" {
		if _, err := c.TargetCRS.EPSG(); err != nil {
			return configErr("validate config", err)
		}
	}
	if err := ValidateCompressionLevel(c.CompressionLevel); err != nil {
		return err
	}
	if _, err := ParseTIFFCompression(string(c.TIFFCompression)); err != nil {
		return err
	}
	if c.Policy != FailFast && c.Policy != BestEffort {
		return configErr("validate config", fmt.Errorf("%w: failure policy must be fail-fast or best-effort", ErrInvalidConfig))
	}
	if c.Workers < 0 {
		return configErr("validate config", fmt.Errorf("%w: %d workers", ErrInvalidConfig, c.Workers))
	}
	if c.OutputDir == "" && c.ArchivePath == "" {
		return configErr("validate config", fmt.Errorf("%w: an output directory or an archive path is required", ErrInvalidConfig))
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers == 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Workers
}

// Request names the input of an export. A non-nil Raster is used as is and
// Bucket, Input and Open are ignored.
type Request struct {
	Bucket string
	Input  string
	Open   OpenOptions
	Raster *Raster
}

// Status is a snapshot of a running export.
type Status struct {
	ID          string
	Phase       Phase
	TilesTotal  int
	TilesDone   int
	TilesFailed int
}

// TileFailure is a tile left out of a best-effort export.
type TileFailure struct {
	Tile Tile
	Err  error
}

// Result describes a finished export. It is returned alongside the error
// for failed and canceled sessions, filled as far as the session got.
type Result struct {
	ID        string
	Phase     Phase
	Input     string
	Width     int
	Height    int
	SourceCRS CRS
	TargetCRS CRS
	Bounds    Bounds
	// Tiles are the committed per-tile files in canonical order.
	Tiles       []WrittenTile
	Failed      []TileFailure
	Partial     bool
	ArchivePath string
	ArchiveSize int64
	Duration    time.Duration
}

// Task is a handle on an export running in the background.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	result *Result
	err    error
}

// Start validates cfg and runs the export in a new goroutine.
func Start(ctx context.Context, logger *zap.Logger, req Request, cfg Config) (*Task, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if req.Raster == nil && req.Input == "" {
		return nil, configErr("start export", fmt.Errorf("%w: no input", ErrInvalidConfig))
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.status.ID = t.id
	go t.run(ctx, logger, req, cfg)
	return t, nil
}

// Export runs an export to completion.
func Export(ctx context.Context, logger *zap.Logger, req Request, cfg Config) (*Result, error) {
	t, err := Start(ctx, logger, req, cfg)
	if err != nil {
		return nil, err
	}
	return t.Wait()
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Cancel asks the session to stop. Tiles being encoded are finished; no
// further tile is started and the staging directory is removed.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the session reached a terminal phase.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the session ends.
func (t *Task) Wait() (*Result, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) setPhase(p Phase) {
	t.mu.Lock()
	t.status.Phase = p
	t.mu.Unlock()
}

func (t *Task) setTotal(n int) {
	t.mu.Lock()
	t.status.TilesTotal = n
	t.mu.Unlock()
}

func (t *Task) tileFinished(ok bool) {
	t.mu.Lock()
	if ok {
		t.status.TilesDone++
	} else {
		t.status.TilesFailed++
	}
	t.mu.Unlock()
}

func (t *Task) run(ctx context.Context, logger *zap.Logger, req Request, cfg Config) {
	defer close(t.done)
	defer t.cancel()

	start := time.Now()
	logger = logger.With(zap.String("session", t.id))
	res, err := t.export(ctx, logger, req, cfg)

	phase := Done
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		phase = Canceled
	default:
		phase = Failed
	}
	res.Phase = phase
	res.Duration = time.Since(start)

	st := t.Status()
	cfg.Metrics.tilesSkipped(cfg.Format, st.TilesTotal-st.TilesDone-st.TilesFailed)
	cfg.Metrics.exportFinished(phase, res.Duration)

	fields := []zap.Field{
		zap.Stringer("phase", phase),
		zap.Int("tiles", st.TilesDone),
		zap.Int("failed", st.TilesFailed),
		zap.Duration("duration", res.Duration),
	}
	if err != nil {
		logger.Error("export ended", append(fields, zap.Error(err))...)
	} else {
		logger.Info("export finished", fields...)
	}

	t.mu.Lock()
	t.status.Phase = phase
	t.result = res
	t.err = err
	t.mu.Unlock()
}

func (t *Task) export(ctx context.Context, logger *zap.Logger, req Request, cfg Config) (*Result, error) {
	res := &Result{ID: t.id, Input: req.Input}

	raster := req.Raster
	if raster == nil {
		var err error
		raster, err = OpenRaster(ctx, logger, req.Bucket, req.Input, req.Open)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, err
		}
	}
	res.Input = raster.Name()
	res.Width, res.Height = raster.Width(), raster.Height()
	res.SourceCRS = raster.CRS()
	res.Bounds = raster.Bounds()
	res.TargetCRS = cfg.TargetCRS
	if res.TargetCRS == "" {
		res.TargetCRS = raster.CRS()
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	tiles, err := Plan(raster.Width(), raster.Height(), raster.Bounds(), Grid{TilesX: cfg.TilesX, TilesY: cfg.TilesY})
	if err != nil {
		return res, err
	}
	tiles, err = NewProjector(cfg.Transformer).ReprojectTiles(tiles, raster.CRS(), res.TargetCRS)
	if err != nil {
		return res, err
	}
	renderer, err := NewRenderer(RenderOptions{
		Opacity:          cfg.Opacity,
		Format:           cfg.Format,
		CRS:              res.TargetCRS,
		TIFFCompression:  cfg.TIFFCompression,
		CompressionLevel: cfg.CompressionLevel,
		Encoder:          cfg.Encoder,
	})
	if err != nil {
		return res, err
	}
	t.setTotal(len(tiles))
	t.setPhase(Planned)
	logger.Info("planned tiles",
		zap.Int("tiles_x", cfg.TilesX),
		zap.Int("tiles_y", cfg.TilesY),
		zap.String("source_crs", string(res.SourceCRS)),
		zap.String("target_crs", string(res.TargetCRS)))
	if cfg.ArchivePath != "" && !res.TargetCRS.IsGeographic() {
		logger.Warn("overlay bounds are not in a geographic CRS, mapping tools expect EPSG:4326",
			zap.String("crs", string(res.TargetCRS)))
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	var staging string
	if cfg.OutputDir != "" {
		staging = filepath.Join(cfg.OutputDir, ".kmztiles-staging-"+t.id)
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return res, packagingErr("create staging directory", staging, err)
		}
		defer os.RemoveAll(staging)
	}

	t.setPhase(Rendering)
	rendered, written, err := t.render(ctx, logger, raster, renderer, tiles, cfg, staging)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		return res, err
	}

	var ok []RenderedTile
	var committed []WrittenTile
	for i, rt := range rendered {
		if rt.Err != nil {
			res.Failed = append(res.Failed, TileFailure{Tile: rt.Tile, Err: rt.Err})
			continue
		}
		ok = append(ok, rt)
		if staging != "" {
			committed = append(committed, written[i])
		}
	}
	if len(res.Failed) > 0 {
		res.Partial = true
		t.setPhase(PartiallyFailed)
		logger.Warn("some tiles failed", zap.Int("failed", len(res.Failed)), zap.Int("rendered", len(ok)))
	}
	if len(ok) == 0 {
		return res, fmt.Errorf("all %d tiles failed: %w", len(res.Failed), res.Failed[0].Err)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	t.setPhase(Packaging)
	if staging != "" {
		if err := CommitTileFiles(staging, cfg.OutputDir, committed); err != nil {
			return res, err
		}
		res.Tiles = committed
		logger.Info("wrote tiles", zap.String("dir", cfg.OutputDir), zap.Int("tiles", len(committed)))
	}

	if cfg.ArchivePath != "" {
		size, err := writeSessionArchive(cfg, res, ok)
		if err != nil {
			return res, err
		}
		res.ArchivePath = cfg.ArchivePath
		res.ArchiveSize = size
		cfg.Metrics.archiveWritten(size)
		logger.Info("wrote archive", zap.String("archive", cfg.ArchivePath), zap.Int64("size", size))
	}

	if cfg.Catalog != "" || cfg.GeoJSONIndex != "" {
		entries := catalogTiles(ok, committed)
		if cfg.Catalog != "" {
			if err := WriteCatalog(cfg.Catalog, Catalog{Metadata: catalogMetadata(cfg, res), Tiles: entries}); err != nil {
				return res, err
			}
			logger.Info("wrote catalog", zap.String("catalog", cfg.Catalog))
		}
		if cfg.GeoJSONIndex != "" {
			if err := WriteTileIndex(cfg.GeoJSONIndex, entries, res.TargetCRS); err != nil {
				return res, err
			}
			logger.Info("wrote tile index", zap.String("index", cfg.GeoJSONIndex))
		}
	}
	return res, nil
}

// render runs the worker pool. Results are indexed like tiles, so their
// order does not depend on completion order.
func (t *Task) render(ctx context.Context, logger *zap.Logger, raster *Raster, renderer *Renderer, tiles []Tile, cfg Config, staging string) ([]RenderedTile, []WrittenTile, error) {
	rendered := make([]RenderedTile, len(tiles))
	written := make([]WrittenTile, len(tiles))
	opts := TileFileOptions{
		Format:           cfg.Format,
		WorldFiles:       cfg.WorldFiles,
		PerTileArchives:  cfg.PerTileArchives,
		CompressionLevel: cfg.CompressionLevel,
	}

	progress := getProgressWriter().NewCountProgress(int64(len(tiles)), "rendering tiles")
	defer progress.Close()

	tasks := make(chan int, len(tiles))
	for i := range tiles {
		tasks <- i
	}
	close(tasks)

	errs, gctx := errgroup.WithContext(ctx)
	for w := 0; w < min(cfg.workers(), len(tiles)); w++ {
		errs.Go(func() error {
			for i := range tasks {
				if err := gctx.Err(); err != nil {
					return err
				}
				tile := tiles[i]
				start := time.Now()
				data, err := renderer.Render(raster, tile)
				if err == nil && staging != "" {
					written[i], err = WriteTileFiles(staging, RenderedTile{Tile: tile, Data: data}, opts)
				}
				if err != nil {
					rendered[i] = RenderedTile{Tile: tile, Err: err}
					t.tileFinished(false)
					cfg.Metrics.tileFailed(cfg.Format)
					logger.Warn("tile failed", zap.Int("row", tile.Row), zap.Int("col", tile.Col), zap.Error(err))
					if cfg.Policy == FailFast {
						return err
					}
				} else {
					rendered[i] = RenderedTile{Tile: tile, Data: data}
					t.tileFinished(true)
					cfg.Metrics.tileRendered(cfg.Format, time.Since(start), len(data))
				}
				progress.Add(1)
			}
			return nil
		})
	}
	if err := errs.Wait(); err != nil {
		return nil, nil, err
	}
	return rendered, written, nil
}

func packageName(cfg Config, input string) string {
	if cfg.PackageName != "" {
		return cfg.PackageName
	}
	base := path.Base(filepath.ToSlash(input))
	return strings.TrimSuffix(base, path.Ext(base))
}

func writeSessionArchive(cfg Config, res *Result, tiles []RenderedTile) (int64, error) {
	pkg, err := BuildPackage(tiles, PackageMeta{
		Name:        packageName(cfg, res.Input),
		Description: cfg.Description,
		Source:      path.Base(filepath.ToSlash(res.Input)),
		Format:      cfg.Format,
	})
	if err != nil {
		return 0, err
	}
	if err := pkg.WriteArchive(cfg.ArchivePath, cfg.CompressionLevel); err != nil {
		return 0, err
	}
	fi, err := os.Stat(cfg.ArchivePath)
	if err != nil {
		return 0, packagingErr("write archive", cfg.ArchivePath, err)
	}
	return fi.Size(), nil
}

// catalogTiles numbers the packaged tiles in canonical order, the same
// numbering the archive uses.
func catalogTiles(tiles []RenderedTile, written []WrittenTile) []CatalogTile {
	out := make([]CatalogTile, len(tiles))
	for i, rt := range tiles {
		out[i] = CatalogTile{
			Index:  i,
			Tile:   rt.Tile,
			Size:   len(rt.Data),
			Digest: xxhash.Sum64(rt.Data),
		}
		if i < len(written) {
			out[i].Path = written[i].Path
			out[i].ArchivePath = written[i].ArchivePath
		}
	}
	return out
}

func catalogMetadata(cfg Config, res *Result) map[string]string {
	return map[string]string{
		"name":        packageName(cfg, res.Input),
		"description": cfg.Description,
		"input":       res.Input,
		"session":     res.ID,
		"source_crs":  string(res.SourceCRS),
		"crs":         string(res.TargetCRS),
		"format":      cfg.Format.String(),
		"tiles_x":     strconv.Itoa(cfg.TilesX),
		"tiles_y":     strconv.Itoa(cfg.TilesY),
		"opacity":     strconv.FormatFloat(cfg.Opacity, 'g', -1, 64),
		"bounds":      res.Bounds.String(),
		"archive":     cfg.ArchivePath,
		"generator":   "kmztiles",
	}
}
