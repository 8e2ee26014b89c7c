package main

import (
	"context"
	"fmt"
	"image"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scanlab/scan-service/assets"
	"github.com/scanlab/scan-service/config"
	"github.com/scanlab/scan-service/detections"
	"github.com/scanlab/scan-service/logging"
)

const (
	warmUpTimeout   = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("scan", logging.Options{Debug: cfg.Debug, File: cfg.LogFile})
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("scan service stopped", "error", err)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) (err error) {
	metadata, err := loadMetadata(cfg.MetadataPath)
	if err != nil {
		return err
	}
	classes, err := metadata.ClassMap()
	if err != nil {
		return err
	}
	model, err := assets.Model(cfg.ModelPath)
	if err != nil {
		return err
	}
	logger.Infow("model loaded",
		"name", metadata.Name,
		"embedded", assets.Embedded,
		"bytes", len(model),
		"classes", classes.Labels(),
		"fallback", classes.Fallback(),
	)

	libPath := sharedLibraryPath(cfg.SharedLibraryPath)
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "failed to initialize onnxruntime from %s", libPath)
	}
	defer func() {
		err = multierr.Append(err, ort.DestroyEnvironment())
	}()

	session, err := detections.NewSession(model, detections.SessionConfig{
		Providers:         cfg.Providers,
		CUDADeviceID:      cfg.CUDADeviceID,
		OptimizationLevel: cfg.OptimizationLevel,
		IntraOpThreads:    cfg.IntraOpThreads,
		InterOpThreads:    cfg.InterOpThreads,
		Logger:            logger.Named("session"),
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	detector := detections.NewDetector(session, detections.DetectorConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IOUThreshold:        cfg.IOUThreshold,
		Classes:             classes,
		Logger:              logger.Named("detector"),
		Registerer:          reg,
	})
	defer func() {
		err = multierr.Append(err, detector.Close())
	}()

	if err := warmUp(detector, logger); err != nil {
		return err
	}

	state := &AppState{
		Detector:       detector,
		Logger:         logger.Named("http"),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	state.ready.Store(true)

	srv := &http.Server{
		Handler:      newRouter(state, reg, cfg.CORSOrigins),
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
	return serve(srv, state, logger)
}

// warmUp runs one inference on a blank frame so graph initialization does not
// land on the first request.
func warmUp(detector *detections.Detector, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), warmUpTimeout)
	defer cancel()

	start := time.Now()
	blank := image.NewNRGBA(image.Rect(0, 0, detections.InputWidth, detections.InputHeight))
	if _, err := detector.Infer(ctx, blank); err != nil {
		return errors.Wrap(err, "warm-up inference failed")
	}
	logger.Infow("warm-up complete", "elapsed", time.Since(start))
	return nil
}

func newRouter(state *AppState, gatherer prometheus.Gatherer, origins []string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/scan", handleScan(state)).Methods(http.MethodPost)
	addMonitoringRoutes(r, state, gatherer)

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(r)
}

func addMonitoringRoutes(r *mux.Router, state *AppState, gatherer prometheus.Gatherer) {
	r.HandleFunc("/healthz", handleHealth(state)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// serve runs srv until SIGINT or SIGTERM, then drains in-flight requests.
func serve(srv *http.Server, state *AppState, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case err = <-serveErr:
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	state.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(err, srv.Shutdown(shutdownCtx))
}
