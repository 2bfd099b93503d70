// Grounded on MeKo-Christian-WaterColorMap/internal/cmd/convert.go's
// flag-definition/viper-bind/RunE shape, one subcommand standing in for
// the teacher's go-spatial.go REPL tool dispatch.
package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jblindsay/terraflow/hydro/pipeline"
	"github.com/jblindsay/terraflow/raster"
	"github.com/jblindsay/terraflow/rasterio"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full conditioning and drainage-analysis chain over a DEM",
	RunE:  runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("dem", "", "input DEM file, without extension (required)")
	runCmd.Flags().String("out-dir", "./out", "output directory for derived rasters and vector layers")
	runCmd.Flags().String("drainage-points", "", "input drainage-points GeoJSON directory (optional)")
	runCmd.Flags().String("drainage-layer", "outlets", "layer name of the drainage points within --drainage-points")

	runCmd.Flags().Int("chunk-size", 512, "chunk_size: tile side in cells; <=1 selects in-memory single-tile mode")
	runCmd.Flags().Int("search-radius", 4, "search_radius: breach Dijkstra window radius")
	runCmd.Flags().Float64("max-cost", 0, "max_cost: breach Dijkstra acceptance cap; <=0 unbounded")
	runCmd.Flags().Bool("resolve-flats", true, "resolve_flats: enable flat resolution after D8")
	runCmd.Flags().Int("flat-chunk-max", 0, "flat_chunk_max: per-stage cap on tile side for flat resolution")
	runCmd.Flags().Bool("fill-holes", false, "fill_holes: treat nodata as fillable interior")
	runCmd.Flags().Int64("threshold", 100, "threshold: accumulation threshold for stream classification")
	runCmd.Flags().Float64("snap-radius", 2, "snap_radius: drainage-point snap window in cells")
	runCmd.Flags().Bool("all-basins", false, "all_basins: label the basin of every auto-detected outlet; drainage points are then not used")
	runCmd.Flags().Bool("streams", true, "extract and write the stream network")
	runCmd.Flags().Bool("flow-length", true, "compute flow length and longest-flow-path polylines")
	runCmd.Flags().Bool("log-transform", false, "also emit a natural-log diagnostic copy of the accumulation raster")

	binds := []string{
		"dem", "out-dir", "drainage-points", "drainage-layer",
		"chunk-size", "search-radius", "max-cost", "resolve-flats", "flat-chunk-max",
		"fill-holes", "threshold", "snap-radius", "all-basins", "streams", "flow-length", "log-transform",
	}
	for _, name := range binds {
		if err := viper.BindPFlag("run."+name, runCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	demPath := viper.GetString("run.dem")
	if demPath == "" {
		return fmt.Errorf("--dem is required")
	}
	outDir := viper.GetString("run.out-dir")

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	dem, err := rasterio.Open(demPath, raster.Float32)
	if err != nil {
		return fmt.Errorf("open DEM: %w", err)
	}

	gt := dem.GeoTransform()
	crs := dem.CRS()

	conditioned := rasterio.Create(outDir+"/conditioned", raster.Float32, dem.Width(), dem.Height(), dem.NoData(), gt, crs)
	direction := rasterio.Create(outDir+"/direction", raster.Byte, dem.Width(), dem.Height(), 9, gt, crs)
	accumulation := rasterio.Create(outDir+"/accumulation", raster.Int64, dem.Width(), dem.Height(), -1, gt, crs)

	in := pipeline.Inputs{
		DEM:             dem,
		ConditionedOut:  conditioned,
		DirectionOut:    direction,
		AccumulationOut: accumulation,
	}

	var accLog *rasterio.File
	if viper.GetBool("run.log-transform") {
		accLog = rasterio.Create(outDir+"/accumulation_log", raster.Float32, dem.Width(), dem.Height(), -1, gt, crs)
		in.AccumulationLog = accLog
	}

	if layerDir := viper.GetString("run.drainage-points"); layerDir != "" {
		in.DrainagePoints = rasterio.NewGeoJSONSource(layerDir)
	}

	basins := rasterio.Create(outDir+"/basins", raster.Int64, dem.Width(), dem.Height(), -1, gt, crs)
	if viper.GetBool("run.all-basins") || in.DrainagePoints != nil {
		in.BasinOut = basins
	}

	flowLength := rasterio.Create(outDir+"/flow_length", raster.Float32, dem.Width(), dem.Height(), -1, gt, crs)
	if viper.GetBool("run.flow-length") {
		in.FlowLengthOut = flowLength
		longestPaths, err := rasterio.NewGeoJSONSink(outDir)
		if err != nil {
			return fmt.Errorf("open longest-path sink: %w", err)
		}
		in.LongestPathOut = longestPaths
		defer longestPaths.Close()
	}

	if viper.GetBool("run.streams") {
		streamSink, err := rasterio.NewGeoJSONSink(outDir)
		if err != nil {
			return fmt.Errorf("open stream sink: %w", err)
		}
		in.StreamsOut = streamSink
		defer streamSink.Close()
	}

	opt := pipeline.Options{
		ChunkSize:     viper.GetInt("run.chunk-size"),
		SearchRadius:  viper.GetInt("run.search-radius"),
		MaxCost:       viper.GetFloat64("run.max-cost"),
		ResolveFlats:  viper.GetBool("run.resolve-flats"),
		FlatChunkMax:  viper.GetInt("run.flat-chunk-max"),
		FillHoles:     viper.GetBool("run.fill-holes"),
		Threshold:     viper.GetInt64("run.threshold"),
		SnapRadius:    viper.GetFloat64("run.snap-radius"),
		AllBasins:     viper.GetBool("run.all-basins"),
		WorkingDir:    outDir,
		Workers:       viper.GetInt("workers"),
		DrainageLayer: viper.GetString("run.drainage-layer"),
	}

	progress := func(stage string, done, total int) {
		logger.Info("stage progress", "stage", stage, "done", done, "total", total)
	}

	result, err := pipeline.Run(cmd.Context(), in, opt, progress)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	if err := conditioned.Close(); err != nil {
		return fmt.Errorf("write conditioned DEM: %w", err)
	}
	if err := direction.Close(); err != nil {
		return fmt.Errorf("write direction raster: %w", err)
	}
	if err := accumulation.Close(); err != nil {
		return fmt.Errorf("write accumulation raster: %w", err)
	}
	if accLog != nil {
		if err := accLog.Close(); err != nil {
			return fmt.Errorf("write log-accumulation raster: %w", err)
		}
	}
	if in.BasinOut != nil {
		if err := basins.Close(); err != nil {
			return fmt.Errorf("write basin raster: %w", err)
		}
	}
	if in.FlowLengthOut != nil {
		if err := flowLength.Close(); err != nil {
			return fmt.Errorf("write flow-length raster: %w", err)
		}
	}

	if result.BasinGraph != nil {
		logger.Info("basin adjacency graph built")
	}

	logger.Info("pipeline complete", "dem", demPath, "out_dir", outDir)
	return nil
}
