// Package progress derives batch generation status from a snapshot of a song's
// clips. The aggregate is never stored — every read recomputes it, so it can
// never drift from the clip records it summarizes.
package progress

import (
	"github.com/beatweave/api/internal/models"
)

// Aggregate folds a clip snapshot into the derived batch view.
//
// Status rules: failed if any clip failed, completed if all completed,
// processing if any clip is processing or some work has finished, else queued.
func Aggregate(clips []models.Clip) models.BatchAggregate {
	agg := models.BatchAggregate{Total: len(clips)}
	for _, c := range clips {
		switch c.Status {
		case models.ClipStatusQueued:
			agg.Queued++
		case models.ClipStatusProcessing:
			agg.Processing++
		case models.ClipStatusCompleted:
			agg.Completed++
		case models.ClipStatusFailed:
			agg.Failed++
		}
	}

	switch {
	case agg.Total == 0:
		agg.Status = models.BatchStatusQueued
	case agg.Failed > 0:
		agg.Status = models.BatchStatusFailed
	case agg.Completed == agg.Total:
		agg.Status = models.BatchStatusCompleted
	case agg.Processing > 0 || agg.Completed > 0:
		agg.Status = models.BatchStatusProcessing
	default:
		agg.Status = models.BatchStatusQueued
	}

	if agg.Total > 0 {
		agg.Progress = agg.Completed * 100 / agg.Total
	}
	return agg
}

// Clamp bounds a progress value to [0, 100] before it is stored. Monotonicity
// itself is enforced at the write (GREATEST against the stored value).
func Clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
