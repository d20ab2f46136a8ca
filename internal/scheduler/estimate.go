package scheduler

import (
	"math"
	"strconv"
	"sync"

	"github.com/makeasinger/genqueue/internal/model"
)

// Default average execution time per job type, in seconds.
var defaultDurations = map[model.JobType]float64{
	model.JobTypeTextToImage:     10,
	model.JobTypeImageToImage:    20,
	model.JobTypeTextToVideo:     300,
	model.JobTypeImageToVideo:    400,
	model.JobTypeTextToAudio:     10,
	model.JobTypeChangeClothes:   25,
	model.JobTypeChangeFace:      30,
	model.JobTypeChangeHairStyle: 25,
}

const (
	fallbackDuration = 100.0
	ewmaWeight       = 0.2
)

// Estimator tracks a moving average of execution time per job type.
type Estimator struct {
	mu  sync.RWMutex
	avg map[model.JobType]float64
}

func NewEstimator() *Estimator {
	avg := make(map[model.JobType]float64, len(defaultDurations))
	for t, d := range defaultDurations {
		avg[t] = d
	}
	return &Estimator{avg: avg}
}

// Average returns the current average duration for t in seconds.
func (e *Estimator) Average(t model.JobType) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d, ok := e.avg[t]; ok {
		return d
	}
	return fallbackDuration
}

// MeanAverage averages over every known type.
func (e *Estimator) MeanAverage() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.avg) == 0 {
		return fallbackDuration
	}
	var sum float64
	for _, d := range e.avg {
		sum += d
	}
	return sum / float64(len(e.avg))
}

// Observe folds a successful run's duration into the average.
func (e *Estimator) Observe(t model.JobType, seconds float64) {
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.avg[t]
	if !ok {
		old = fallbackDuration
	}
	e.avg[t] = (1-ewmaWeight)*old + ewmaWeight*seconds
}

// EstimateWait returns the expected seconds until a job of type t with
// params finishes when position jobs of its type are ahead of or at it.
func (e *Estimator) EstimateWait(t model.JobType, position int, params map[string]any) float64 {
	if position < 1 {
		position = 1
	}
	wait := float64(position) * e.Average(t) * paramScale(t, params)
	return math.Round(wait*10) / 10
}

// queuePosition approximates a job's place among queued jobs of its type
// from the per-type counter alone.
func queuePosition(countByType int) int {
	return countByType/2 + 1
}

// paramScale adjusts the type average for heavier or lighter requests.
func paramScale(t model.JobType, params map[string]any) float64 {
	scale := 1.0
	if len(params) == 0 {
		return scale
	}

	if steps, ok := paramNumber(params, "steps"); ok && steps > 0 {
		scale *= steps / 20
	}
	if batch, ok := paramNumber(params, "batch_size"); ok && batch > 1 {
		scale *= batch
	}
	if w, ok := paramNumber(params, "width"); ok && w > 0 {
		if h, ok := paramNumber(params, "height"); ok && h > 0 {
			scale *= (w * h) / (512 * 512)
		}
	}
	if paramBool(params, "cpu") {
		scale *= 50
		if t.IsVideo() {
			scale *= 2
		}
	}

	switch {
	case t.IsVideo():
		if length, ok := paramNumber(params, "length"); ok && length > 0 {
			scale *= length / 5
		}
		if fps, ok := paramNumber(params, "fps"); ok && fps > 0 {
			scale *= fps / 16
		}
	case t == model.JobTypeTextToAudio:
		if secs, ok := paramNumber(params, "seconds"); ok && secs > 0 {
			scale *= secs / 10
		}
	}
	return scale
}

func paramNumber(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func paramBool(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
