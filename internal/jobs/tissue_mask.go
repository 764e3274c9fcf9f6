package jobs

import (
	"context"
	"image"
	"image/color"

	"github.com/zjrosen/histoflow/internal/log"
)

// tissueThreshold separates tissue from background. Slide backgrounds are
// near-white; anything darker than this is treated as tissue.
const tissueThreshold = 220

// maskMaxDim bounds the working resolution of the mask. Reading a
// downsample instead of the full slide keeps the job cheap.
const maskMaxDim = 2048

// runTissueMask produces a downsampled binary tissue mask PNG: white where
// tissue, black where background.
func runTissueMask(ctx context.Context, task Task) error {
	job := task.Job

	if err := task.Progress.Report(0.1, 1, 0); err != nil {
		return err
	}

	slide, err := OpenSlide(job.InputPath)
	if err != nil {
		return err
	}

	thumb := slide.Thumbnail(maskMaxDim, maskMaxDim)

	if err := ctx.Err(); err != nil {
		return err
	}

	b := thumb.Bounds()
	mask := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if luminance(thumb.At(x, y)) < tissueThreshold {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	if err := writePNG(job.OutputPath, mask); err != nil {
		return err
	}
	log.Debug(log.CatJobs, "tissue mask written", "jobID", job.ID, "output", job.OutputPath)

	return task.Progress.Report(1.0, 1, 1)
}
