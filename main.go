package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/overlaykit/go-kmztiles/gdalproj"
	"github.com/overlaykit/go-kmztiles/kmztiles"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Verbose     bool   `help:"Log at debug level in a human readable format."`
	Quiet       bool   `help:"Disable progress output."`
	Progress    string `enum:"bar,log,none" default:"bar" help:"Progress reporting: bar, log or none."`
	MetricsFile string `help:"Write Prometheus metrics to this file when done." type:"path"`

	Split struct {
		Input            string  `arg:"" help:"Input raster: GeoTIFF, JPEG, JPEG2000, PNG or a single-overlay KMZ."`
		Bucket           string  `help:"Remote bucket of the input raster."`
		Output           string  `help:"Directory for per-tile files." type:"path"`
		Archive          string  `help:"Path of the merged KMZ archive." type:"path"`
		TilesX           int     `default:"2" help:"Number of tile columns."`
		TilesY           int     `default:"2" help:"Number of tile rows."`
		Format           string  `enum:"geotiff,png" default:"geotiff" help:"Tile format: geotiff or png."`
		Opacity          float64 `default:"1" help:"Tile opacity between 0 and 1."`
		Bbox             string  `help:"Manual bounds of the input: west,south,east,north"`
		Region           string  `help:"Local GeoJSON file whose extent is used as manual bounds." type:"existingfile"`
		SourceCrs        string  `name:"source-crs" help:"CRS of the input, overriding embedded georeferencing, e.g. EPSG:2056."`
		TargetCrs        string  `name:"target-crs" help:"CRS of the tile bounds. Defaults to the source CRS."`
		Gdal             bool    `help:"Use GDAL/PROJ for CRS pairs other than WGS84 and Web Mercator."`
		CompressionLevel int     `default:"-1" help:"Deflate level of archives and PNG tiles, -1 to 9."`
		TiffCompression  string  `enum:"none,deflate" default:"deflate" help:"GeoTIFF strip compression."`
		Name             string  `help:"Document name. Defaults to the input file name."`
		Description      string  `help:"Document description."`
		Policy           string  `enum:"fail-fast,best-effort" default:"fail-fast" help:"What to do when a tile fails to encode."`
		Workers          int     `default:"0" help:"Render workers, 0 for one per CPU."`
		PerTileKmz       bool    `name:"per-tile-kmz" help:"Also write one KMZ per tile under <output>/kmz."`
		WorldFiles       bool    `help:"Write world files next to tiles."`
		Catalog          string  `help:"Write a SQLite tile catalog to this path." type:"path"`
		Index            string  `help:"Write a GeoJSON tile index to this path." type:"path"`
	} `cmd:"" help:"Split a georeferenced raster into a grid of tiles and package them."`

	Verify struct {
		Input  string `arg:"" help:"Input archive."`
		Bucket string `help:"Remote bucket"`
	} `cmd:"" help:"Verify the structure of a KMZ overlay archive."`

	Show struct {
		Input  string `arg:"" help:"Input archive."`
		Bucket string `help:"Remote bucket"`
		JSON   bool   `name:"json" help:"Print as JSON."`
	} `cmd:"" help:"Inspect a local or remote KMZ overlay archive."`

	Upload struct {
		Input          string `arg:"" type:"existingfile"`
		Key            string `arg:""`
		MaxConcurrency int    `default:"2" help:"# of upload threads"`
		Bucket         string `required:"" help:"Bucket to upload to."`
	} `cmd:"" help:"Upload a local archive to remote storage."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func init() {
	gdalproj.RegisterDecoders()
}

func newLogger(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func splitRequest() (kmztiles.Request, error) {
	req := kmztiles.Request{Bucket: cli.Split.Bucket, Input: cli.Split.Input}
	if cli.Split.Bbox != "" && cli.Split.Region != "" {
		return req, fmt.Errorf("only one of --bbox and --region may be given")
	}
	if cli.Split.Bbox != "" {
		b, err := kmztiles.ParseBounds(cli.Split.Bbox)
		if err != nil {
			return req, err
		}
		req.Open.ManualBounds = &b
	}
	if cli.Split.Region != "" {
		data, err := os.ReadFile(cli.Split.Region)
		if err != nil {
			return req, err
		}
		b, err := kmztiles.BoundsFromRegion(data)
		if err != nil {
			return req, err
		}
		req.Open.ManualBounds = &b
	}
	crs, err := kmztiles.ParseCRS(cli.Split.SourceCrs)
	if err != nil {
		return req, err
	}
	req.Open.SourceCRS = crs
	return req, nil
}

func splitConfig(metrics *kmztiles.Metrics) (kmztiles.Config, func(), error) {
	cfg := kmztiles.DefaultConfig()
	cleanup := func() {}
	var err error

	cfg.TilesX = cli.Split.TilesX
	cfg.TilesY = cli.Split.TilesY
	if cfg.Format, err = kmztiles.ParseOutputFormat(cli.Split.Format); err != nil {
		return cfg, cleanup, err
	}
	cfg.Opacity = cli.Split.Opacity
	if cfg.TargetCRS, err = kmztiles.ParseCRS(cli.Split.TargetCrs); err != nil {
		return cfg, cleanup, err
	}
	cfg.CompressionLevel = cli.Split.CompressionLevel
	if cfg.TIFFCompression, err = kmztiles.ParseTIFFCompression(cli.Split.TiffCompression); err != nil {
		return cfg, cleanup, err
	}
	cfg.PackageName = cli.Split.Name
	cfg.Description = cli.Split.Description
	if cfg.Policy, err = kmztiles.ParseFailurePolicy(cli.Split.Policy); err != nil {
		return cfg, cleanup, err
	}
	cfg.Workers = cli.Split.Workers
	cfg.OutputDir = cli.Split.Output
	cfg.ArchivePath = cli.Split.Archive
	cfg.PerTileArchives = cli.Split.PerTileKmz
	cfg.WorldFiles = cli.Split.WorldFiles
	cfg.Catalog = cli.Split.Catalog
	cfg.GeoJSONIndex = cli.Split.Index
	cfg.Metrics = metrics

	if cli.Split.Gdal {
		tr := gdalproj.New()
		cfg.Transformer = kmztiles.Chain{kmztiles.Mercator{}, tr}
		cleanup = tr.Close
	}
	return cfg, cleanup, cfg.Validate()
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	kctx := kong.Parse(&cli,
		kong.Name("kmztiles"),
		kong.Description("Split georeferenced rasters into KMZ ground overlay tiles."),
		kong.Configuration(kong.JSON, "~/.kmztiles.json", ".kmztiles.json"),
	)

	logger := newLogger(cli.Verbose)
	defer logger.Sync()

	switch {
	case cli.Quiet || cli.Progress == "none":
		kmztiles.SetQuietMode(true)
	case cli.Progress == "log":
		kmztiles.SetProgressWriter(&kmztiles.LogProgressWriter{Logger: logger})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := kmztiles.NewMetrics(logger)
	metrics.SetBuildInfo(version, commit)

	switch kctx.Command() {
	case "split <input>":
		req, err := splitRequest()
		if err != nil {
			logger.Fatal("Invalid input options", zap.Error(err))
		}
		cfg, cleanup, err := splitConfig(metrics)
		defer cleanup()
		if err != nil {
			logger.Fatal("Invalid configuration", zap.Error(err))
		}
		res, err := kmztiles.Export(ctx, logger, req, cfg)
		writeMetrics(logger, metrics)
		if err != nil {
			logger.Fatal("Failed to split raster", zap.String("input", cli.Split.Input), zap.Error(err))
		}
		printResult(res)
	case "verify <input>":
		err := kmztiles.Verify(ctx, logger, cli.Verify.Bucket, cli.Verify.Input)
		if err != nil {
			logger.Fatal("Failed to verify archive", zap.Error(err))
		}
	case "show <input>":
		err := kmztiles.Show(ctx, logger, os.Stdout, cli.Show.Bucket, cli.Show.Input, cli.Show.JSON)
		if err != nil {
			logger.Fatal("Failed to show archive", zap.Error(err))
		}
	case "upload <input> <key>":
		err := kmztiles.Upload(ctx, logger, cli.Upload.Input, cli.Upload.Bucket, cli.Upload.Key, kmztiles.UploadOptions{MaxConcurrency: cli.Upload.MaxConcurrency})
		if err != nil {
			logger.Fatal("Failed to upload file", zap.Error(err))
		}
	case "version":
		fmt.Printf("kmztiles %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(kctx.Command())
	}
}

func writeMetrics(logger *zap.Logger, metrics *kmztiles.Metrics) {
	if cli.MetricsFile == "" {
		return
	}
	if err := metrics.WriteToTextfile(cli.MetricsFile); err != nil {
		logger.Error("Failed to write metrics", zap.String("path", cli.MetricsFile), zap.Error(err))
	}
}

func printResult(res *kmztiles.Result) {
	fmt.Printf("input: %s (%dx%d, %s)\n", res.Input, res.Width, res.Height, res.SourceCRS)
	fmt.Printf("tile bounds crs: %s\n", res.TargetCRS)
	if len(res.Tiles) > 0 {
		fmt.Printf("tiles written: %d\n", len(res.Tiles))
	}
	if res.ArchivePath != "" {
		fmt.Printf("archive: %s (%s)\n", res.ArchivePath, humanize.Bytes(uint64(res.ArchiveSize)))
	}
	if res.Partial {
		fmt.Printf("failed tiles: %d\n", len(res.Failed))
		for _, f := range res.Failed {
			fmt.Printf("  row %d col %d: %v\n", f.Tile.Row, f.Tile.Col, f.Err)
		}
	}
	fmt.Printf("finished in %s\n", res.Duration.Round(time.Millisecond))
}
