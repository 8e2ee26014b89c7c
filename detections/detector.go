package detections

import (
	"context"
	"image"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scanlab/scan-service/models"
)

type DetectorConfig struct {
	ConfidenceThreshold float32
	IOUThreshold        float32
	// Classes pairs class channels with labels. The zero value uses
	// models.DefaultClassMap.
	Classes    models.ClassMap
	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		IOUThreshold:        DefaultIOUThreshold,
		Classes:             models.DefaultClassMap(),
	}
}

// Detector runs the full pipeline against one shared session.
type Detector struct {
	guard   *Guard
	cfg     DetectorConfig
	metrics *Metrics
	logger  *zap.SugaredLogger
}

// NewDetector takes ownership of runner; Close destroys it.
func NewDetector(runner Runner, cfg DetectorConfig) *Detector {
	if cfg.Classes.Len() == 0 {
		cfg.Classes = models.DefaultClassMap()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	metrics := NewMetrics(cfg.Registerer)
	return &Detector{
		guard:   NewGuard(runner, metrics),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Infer detects objects in a 640x640 image. The result is ordered by
// descending probability; an empty result is not an error.
func (d *Detector) Infer(ctx context.Context, img image.Image) ([]models.Detection, error) {
	return d.InferTimed(ctx, img, nil)
}

// InferTimed is Infer that also records stage durations into timings.
func (d *Detector) InferTimed(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	input := Preprocess(img)
	if timings != nil {
		timings.Preprocess = time.Since(start)
	}

	raw, err := d.guard.Run(ctx, input, timings)
	if err != nil {
		return nil, err
	}

	start = time.Now()
	boxes := Decode(raw, d.cfg.Classes, d.cfg.ConfidenceThreshold)
	if timings != nil {
		timings.Postprocess = time.Since(start)
	}

	start = time.Now()
	result := FilterAndSuppress(boxes, d.cfg.ConfidenceThreshold, d.cfg.IOUThreshold)
	if timings != nil {
		timings.Suppression = time.Since(start)
	}

	for _, det := range result {
		d.metrics.Detections.WithLabelValues(string(det.Classification)).Inc()
	}
	d.logger.Debugw("inference done", "candidates", raw.Candidates, "boxes", len(boxes), "detections", len(result))
	return result, nil
}

// Close waits for a running inference and destroys the session.
func (d *Detector) Close() error {
	return d.guard.Close()
}
