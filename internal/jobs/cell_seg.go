package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/histoflow/internal/log"
)

const (
	// tileSize is the edge length of the tiles the slide is cut into.
	tileSize = 512
	// nucleusThreshold: stained nuclei are dark; pixels below this
	// luminance count as nucleus material.
	nucleusThreshold = 128
	// minCellPixels filters out single-pixel noise.
	minCellPixels = 3
	// overlayMaxDim bounds the overlay thumbnail.
	overlayMaxDim = 2048
)

// cell is one detected cell in the polygons JSON output.
type cell struct {
	ID      int      `json:"id"`
	Polygon [][2]int `json:"polygon"`
	BBox    [4]int   `json:"bbox"`
	Score   float64  `json:"score"`
}

type segResult struct {
	Metadata struct {
		Dims [2]int `json:"dims"`
	} `json:"metadata"`
	Cells []cell `json:"cells"`
}

// runCellSeg tiles the slide and runs per-tile nucleus detection, emitting
// a polygons JSON plus an overlay PNG. The tile loop is the cancellation
// boundary: ctx is checked before every tile, and progress is persisted
// every few tiles so the dashboard sees movement on long slides.
func runCellSeg(ctx context.Context, task Task) error {
	job := task.Job

	slide, err := OpenSlide(job.InputPath)
	if err != nil {
		return err
	}
	width, height := slide.Dimensions()

	type tileRect struct{ x, y, w, h int }
	var tiles []tileRect
	for y := 0; y < height; y += tileSize {
		for x := 0; x < width; x += tileSize {
			w := min(tileSize, width-x)
			h := min(tileSize, height-y)
			tiles = append(tiles, tileRect{x, y, w, h})
		}
	}

	total := len(tiles)
	if err := task.Progress.Report(0, total, 0); err != nil {
		return err
	}
	log.Debug(log.CatJobs, "cell segmentation started", "jobID", job.ID, "tiles", total, "dims", fmt.Sprintf("%dx%d", width, height))

	var cells []cell
	for i, t := range tiles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		region := slide.Region(t.x, t.y, t.w, t.h)
		for _, blob := range detectBlobs(region) {
			bx, by := blob.minX+t.x, blob.minY+t.y
			bw, bh := blob.maxX-blob.minX+1, blob.maxY-blob.minY+1
			cells = append(cells, cell{
				ID: len(cells) + 1,
				Polygon: [][2]int{
					{bx, by}, {bx + bw, by}, {bx + bw, by + bh}, {bx, by + bh},
				},
				BBox:  [4]int{bx, by, bw, bh},
				Score: 0.95,
			})
		}

		done := i + 1
		if done%progressEvery == 0 || done == total {
			if err := task.Progress.Report(float64(done)/float64(total), total, done); err != nil {
				return err
			}
		}
	}

	result := segResult{Cells: cells}
	result.Metadata.Dims = [2]int{width, height}
	if err := writeJSON(job.OutputPath, result); err != nil {
		return err
	}

	if err := writeOverlay(slide, cells, width, height, overlayPath(job.OutputPath)); err != nil {
		// The polygons JSON is the primary artifact; a failed overlay is
		// logged, not fatal.
		log.Warn(log.CatJobs, "overlay render failed", "jobID", job.ID, "error", err)
	}

	log.Debug(log.CatJobs, "cell segmentation finished", "jobID", job.ID, "cells", len(cells))
	return nil
}

// blob is a connected component of sub-threshold pixels within a tile,
// in tile-local coordinates.
type blob struct {
	minX, minY, maxX, maxY int
	pixels                 int
}

// detectBlobs finds connected dark regions in a tile via flood fill.
func detectBlobs(tile *image.RGBA) []blob {
	b := tile.Bounds()
	w, h := b.Dx(), b.Dy()

	dark := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dark[y*w+x] = luminance(tile.At(b.Min.X+x, b.Min.Y+y)) < nucleusThreshold
		}
	}

	seen := make([]bool, w*h)
	var blobs []blob
	var stack []int

	for start := range dark {
		if !dark[start] || seen[start] {
			continue
		}
		cur := blob{minX: start % w, minY: start / w, maxX: start % w, maxY: start / w}
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w

			cur.pixels++
			cur.minX = min(cur.minX, x)
			cur.minY = min(cur.minY, y)
			cur.maxX = max(cur.maxX, x)
			cur.maxY = max(cur.maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				nidx := ny*w + nx
				if dark[nidx] && !seen[nidx] {
					seen[nidx] = true
					stack = append(stack, nidx)
				}
			}
		}
		if cur.pixels >= minCellPixels {
			blobs = append(blobs, cur)
		}
	}
	return blobs
}

// writeOverlay renders cell outlines onto a thumbnail of the slide.
func writeOverlay(slide *Slide, cells []cell, width, height int, path string) error {
	thumb := slide.Thumbnail(overlayMaxDim, overlayMaxDim)
	tb := thumb.Bounds()
	scaleX := float64(tb.Dx()) / float64(width)
	scaleY := float64(tb.Dy()) / float64(height)

	green := color.RGBA{G: 255, A: 255}
	for _, c := range cells {
		x0 := int(float64(c.BBox[0]) * scaleX)
		y0 := int(float64(c.BBox[1]) * scaleY)
		x1 := int(float64(c.BBox[0]+c.BBox[2]) * scaleX)
		y1 := int(float64(c.BBox[1]+c.BBox[3]) * scaleY)
		drawRect(thumb, x0, y0, x1, y1, green)
	}
	return writePNG(path, thumb)
}

// drawRect draws an axis-aligned rectangle outline, clamped to the image.
func drawRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	b := img.Bounds()
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	x0 = clamp(x0, b.Min.X, b.Max.X-1)
	x1 = clamp(x1, b.Min.X, b.Max.X-1)
	y0 = clamp(y0, b.Min.Y, b.Max.Y-1)
	y1 = clamp(y1, b.Min.Y, b.Max.Y-1)
	for x := x0; x <= x1; x++ {
		img.SetRGBA(x, y0, c)
		img.SetRGBA(x, y1, c)
	}
	for y := y0; y <= y1; y++ {
		img.SetRGBA(x0, y, c)
		img.SetRGBA(x1, y, c)
	}
}

// overlayPath derives the overlay file name from the polygons output path.
func overlayPath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	if strings.EqualFold(ext, ".json") {
		return strings.TrimSuffix(outputPath, ext) + "_overlay.png"
	}
	return outputPath + "_overlay.png"
}

// writeJSON writes v to path, creating parent directories as needed.
func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path) //nolint:gosec // G304: path comes from the job row
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("encoding polygons json: %w", err)
	}
	return nil
}
