package jobs

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

// recordingReporter captures progress reports and optionally runs a hook on
// each one (used to cancel mid-job).
type recordingReporter struct {
	reports  []reportedProgress
	onReport func()
}

type reportedProgress struct {
	progress    float64
	total, done int
}

func (r *recordingReporter) Report(progress float64, totalTiles, processedTiles int) error {
	r.reports = append(r.reports, reportedProgress{progress, totalTiles, processedTiles})
	if r.onReport != nil {
		r.onReport()
	}
	return nil
}

// writeTestSlide writes a white slide PNG with dark rectangles painted on it.
func writeTestSlide(t *testing.T, path string, w, h int, darkRects ...image.Rectangle) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, r := range darkRects {
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}

func newTask(inputPath, outputPath string, jobType domain.JobType, reporter ProgressReporter) Task {
	return Task{
		Job: &domain.Job{
			ID:         domain.NewJobID(),
			Type:       jobType,
			InputPath:  inputPath,
			OutputPath: outputPath,
		},
		Progress: reporter,
	}
}

func TestRuntime_ExecuteUnknownType(t *testing.T) {
	rt := NewRuntime()
	err := rt.Execute(context.Background(), newTask("in", "out", domain.JobType("watershed"), &recordingReporter{}))
	require.ErrorIs(t, err, domain.ErrUnknownJobType)
}

func TestRuntime_RegisterOverrides(t *testing.T) {
	rt := NewRuntime()
	called := false
	rt.Register(domain.JobPreview, func(ctx context.Context, task Task) error {
		called = true
		return nil
	})

	err := rt.Execute(context.Background(), newTask("in", "out", domain.JobPreview, &recordingReporter{}))
	require.NoError(t, err)
	require.True(t, called)
}

func TestRunTissueMask(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	maskPath := filepath.Join(dir, "mask.png")
	writeTestSlide(t, slidePath, 100, 80, image.Rect(20, 20, 60, 50))

	reporter := &recordingReporter{}
	err := runTissueMask(context.Background(), newTask(slidePath, maskPath, domain.JobTissueMask, reporter))
	require.NoError(t, err)

	mask := decodePNG(t, maskPath)
	require.Equal(t, image.Rect(0, 0, 100, 80), mask.Bounds(), "Slide is under the working resolution, so no downsampling")

	// Tissue lights up, background stays dark.
	require.EqualValues(t, 255, luminance(mask.At(40, 35)))
	require.EqualValues(t, 0, luminance(mask.At(5, 5)))

	require.Len(t, reporter.reports, 2)
	require.Equal(t, 1.0, reporter.reports[len(reporter.reports)-1].progress)
}

func TestRunTissueMask_MissingInput(t *testing.T) {
	dir := t.TempDir()
	err := runTissueMask(context.Background(), newTask(
		filepath.Join(dir, "nope.png"), filepath.Join(dir, "mask.png"),
		domain.JobTissueMask, &recordingReporter{},
	))
	require.Error(t, err)
}

func TestRunPreview(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	previewPath := filepath.Join(dir, "out", "preview.png")
	writeTestSlide(t, slidePath, 300, 200)

	reporter := &recordingReporter{}
	err := runPreview(context.Background(), newTask(slidePath, previewPath, domain.JobPreview, reporter))
	require.NoError(t, err)

	// Output directories are created on demand.
	preview := decodePNG(t, previewPath)
	require.Equal(t, image.Rect(0, 0, 300, 200), preview.Bounds())
	require.Equal(t, 1.0, reporter.reports[len(reporter.reports)-1].progress)
}

func TestRunCellSeg(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	outPath := filepath.Join(dir, "cells.json")
	// Two separated nuclei on a single tile.
	writeTestSlide(t, slidePath, 200, 150,
		image.Rect(20, 30, 30, 40),
		image.Rect(100, 90, 112, 101),
	)

	reporter := &recordingReporter{}
	err := runCellSeg(context.Background(), newTask(slidePath, outPath, domain.JobCellSeg, reporter))
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var result segResult
	require.NoError(t, json.Unmarshal(data, &result))

	require.Equal(t, [2]int{200, 150}, result.Metadata.Dims)
	require.Len(t, result.Cells, 2)

	first := result.Cells[0]
	require.Equal(t, 1, first.ID)
	require.Equal(t, [4]int{20, 30, 10, 10}, first.BBox)
	require.Len(t, first.Polygon, 4)
	require.Equal(t, [2]int{20, 30}, first.Polygon[0])
	require.Equal(t, 0.95, first.Score)

	second := result.Cells[1]
	require.Equal(t, 2, second.ID)
	require.Equal(t, [4]int{100, 90, 12, 11}, second.BBox)

	// The overlay lands next to the polygons file.
	_, err = os.Stat(filepath.Join(dir, "cells_overlay.png"))
	require.NoError(t, err)
}

func TestRunCellSeg_Cancelled(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	outPath := filepath.Join(dir, "cells.json")
	writeTestSlide(t, slidePath, 100, 100, image.Rect(10, 10, 20, 20))

	ctx, cancel := context.WithCancel(context.Background())
	reporter := &recordingReporter{onReport: cancel}

	err := runCellSeg(ctx, newTask(slidePath, outPath, domain.JobCellSeg, reporter))
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(outPath)
	require.True(t, os.IsNotExist(err), "No partial output after cancellation")
}

func TestRunCellSeg_ProgressCadence(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	outPath := filepath.Join(dir, "cells.json")
	// 3x2 tiles.
	writeTestSlide(t, slidePath, 1100, 600)

	reporter := &recordingReporter{}
	err := runCellSeg(context.Background(), newTask(slidePath, outPath, domain.JobCellSeg, reporter))
	require.NoError(t, err)

	var processed []int
	for _, r := range reporter.reports {
		require.Equal(t, 6, r.total)
		processed = append(processed, r.done)
	}
	require.Equal(t, []int{0, 5, 6}, processed, "Initial report, then every fifth tile, then the last")
	require.Equal(t, 1.0, reporter.reports[len(reporter.reports)-1].progress)
}

func TestDetectBlobs_FiltersNoise(t *testing.T) {
	tile := image.NewRGBA(image.Rect(0, 0, 50, 50))
	draw.Draw(tile, tile.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	// One real blob and one single-pixel speck.
	draw.Draw(tile, image.Rect(5, 5, 10, 10), image.NewUniform(color.Black), image.Point{}, draw.Src)
	tile.Set(30, 30, color.Black)

	blobs := detectBlobs(tile)
	require.Len(t, blobs, 1)
	require.Equal(t, 5, blobs[0].minX)
	require.Equal(t, 9, blobs[0].maxX)
	require.Equal(t, 25, blobs[0].pixels)
}

func TestOverlayPath(t *testing.T) {
	require.Equal(t, "/out/cells_overlay.png", overlayPath("/out/cells.json"))
	require.Equal(t, "/out/cells_overlay.png", overlayPath("/out/cells.JSON"))
	require.Equal(t, "/out/cells_overlay.png", overlayPath("/out/cells"))
}

func TestSlide_Thumbnail(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	writeTestSlide(t, slidePath, 400, 200)

	slide, err := OpenSlide(slidePath)
	require.NoError(t, err)

	thumb := slide.Thumbnail(100, 100)
	require.Equal(t, 100, thumb.Bounds().Dx())
	require.Equal(t, 50, thumb.Bounds().Dy(), "Aspect ratio is preserved")

	// No upscaling past the original size.
	same := slide.Thumbnail(1000, 1000)
	require.Equal(t, image.Rect(0, 0, 400, 200), same.Bounds())
}

func TestSlide_RegionClamping(t *testing.T) {
	dir := t.TempDir()
	slidePath := filepath.Join(dir, "slide.png")
	writeTestSlide(t, slidePath, 100, 100)

	region := slide(t, slidePath).Region(80, 80, 50, 50)
	require.Equal(t, 20, region.Bounds().Dx())
	require.Equal(t, 20, region.Bounds().Dy())
}

func slide(t *testing.T, path string) *Slide {
	t.Helper()
	s, err := OpenSlide(path)
	require.NoError(t, err)
	return s
}
