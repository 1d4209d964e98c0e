package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/privacykit/redactor/internal/config"
	"github.com/privacykit/redactor/internal/detect"
	"github.com/privacykit/redactor/internal/facematch"
	"github.com/privacykit/redactor/internal/model"
	"github.com/privacykit/redactor/internal/pipeline"
	"github.com/privacykit/redactor/internal/server"
	"github.com/privacykit/redactor/internal/session"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// sweepInterval is how often expired sessions are collected.
const sweepInterval = time.Minute

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		listenAddr  = flag.String("listen", "", "listen address, overrides config")
		modelPath   = flag.String("model", "", "detection model weights, overrides config")
		cascadePath = flag.String("cascade", "", "face cascade for selective mode, overrides config")
		showVersion = flag.Bool("version", false, "print version and exit")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("redactord %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		return
	}

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("configuration", zap.Error(err))
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	if *cascadePath != "" {
		cfg.CascadePath = *cascadePath
	}
	if cfg.ModelPath == "" {
		logger.Fatal("no detection model configured; set model_path or pass -model")
	}

	backend, err := model.LoadONNX(cfg.ModelPath, 640, 640)
	if err != nil {
		logger.Fatal("load detection model", zap.Error(err))
	}
	defer backend.Close()
	detector := detect.New(backend, cfg.ConfidenceThreshold, cfg.IoUThreshold)

	// Selective mode is optional: without a cascade the server still does
	// blanket redaction.
	// A typed-nil *FaceFinder must not reach the pipeline's interface
	// field, so the concrete value is only assigned when a cascade loads.
	var finder facematch.FaceDetector
	var matcher *facematch.Matcher
	if cfg.CascadePath != "" {
		f, err := facematch.NewFaceFinderFromFile(cfg.CascadePath, facematch.FinderOptions{})
		if err != nil {
			logger.Fatal("load face cascade", zap.Error(err))
		}
		finder = f
		matcher = facematch.NewMatcher(f, cfg.MatchTolerance)
	} else {
		logger.Warn("no face cascade configured, selective redaction disabled")
	}

	sessions := session.NewManager(cfg.UploadDir, cfg.OutputDir, cfg.SessionTimeout.Std(), logger)
	sessions.StartSweeper(sweepInterval)
	defer sessions.Close()

	pipe := pipeline.New(detector, finder, logger)
	srv := server.New(cfg, pipe, detector, matcher, sessions, logger)

	logger.Info("redactord starting",
		zap.String("version", Version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("model", cfg.ModelPath),
		zap.Bool("selective", matcher != nil))
	if err := srv.Run(); err != nil {
		logger.Fatal("server", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
