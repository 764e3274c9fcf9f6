package jobs

import (
	"context"

	"github.com/zjrosen/histoflow/internal/log"
)

// previewMaxDim is the bounding box for preview thumbnails.
const previewMaxDim = 1024

// runPreview emits a thumbnail of the slide.
func runPreview(ctx context.Context, task Task) error {
	job := task.Job

	if err := task.Progress.Report(0.1, 1, 0); err != nil {
		return err
	}

	slide, err := OpenSlide(job.InputPath)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	preview := slide.Thumbnail(previewMaxDim, previewMaxDim)
	if err := writePNG(job.OutputPath, preview); err != nil {
		return err
	}
	log.Debug(log.CatJobs, "preview written", "jobID", job.ID, "output", job.OutputPath)

	return task.Progress.Report(1.0, 1, 1)
}
