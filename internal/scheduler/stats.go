package scheduler

import (
	"upload-scheduler/pkg/models"
)

// Statistics recomputes the aggregate queue view from the current item
// collection. Nothing here is cached.
func (s *Scheduler) Statistics() models.QueueStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.QueueStatistics{
		StatusCounts: make(map[models.Status]int),
	}

	var activeSpeed float64
	var activeCount int
	var remaining int64

	for _, it := range s.items {
		stats.TotalItems++
		stats.StatusCounts[it.Status]++
		stats.TotalBytes += it.File.Size
		stats.UploadedBytes += it.UploadedBytes

		if it.Status == models.StatusUploading {
			activeSpeed += it.Speed
			activeCount++
		}
		if !it.Status.IsTerminal() && it.Status != models.StatusFailed {
			remaining += it.File.Size - it.UploadedBytes
		}
	}

	if stats.TotalBytes > 0 {
		stats.OverallProgress = float64(stats.UploadedBytes) / float64(stats.TotalBytes) * 100
	}
	if activeCount > 0 {
		stats.AverageSpeed = activeSpeed / float64(activeCount)
	}
	if stats.AverageSpeed > 0 {
		stats.EstimatedTimeRemaining = float64(remaining) / stats.AverageSpeed
	}
	if stats.TotalItems > 0 {
		stats.SuccessRate = float64(stats.StatusCounts[models.StatusCompleted]) / float64(stats.TotalItems)
		stats.ErrorRate = float64(stats.StatusCounts[models.StatusFailed]) / float64(stats.TotalItems)
	}

	return stats
}

// ActiveSpeed sums the instantaneous speed of all items currently
// transferring. The bandwidth monitor polls this.
func (s *Scheduler) ActiveSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, it := range s.items {
		if it.Status == models.StatusUploading {
			total += it.Speed
		}
	}
	return total
}
