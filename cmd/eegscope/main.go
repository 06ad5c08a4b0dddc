package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/eegscope/internal/config"
	"github.com/rewired-gh/eegscope/internal/dataset"
	"github.com/rewired-gh/eegscope/internal/export"
	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
	"github.com/rewired-gh/eegscope/internal/pipeline"
	"github.com/rewired-gh/eegscope/internal/plot"
	"github.com/rewired-gh/eegscope/internal/storage"
	"github.com/rewired-gh/eegscope/internal/telegram"
)

var (
	configPath  = flag.String("config", "configs/config.yaml", "Path to configuration file")
	convertOnly = flag.Bool("convert-only", false, "Convert the CSV readings to EDF and stop")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *convertOnly {
		cfg.Pipeline.ConvertOnly = true
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging with level support
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	// Initialize run ledger
	store, err := storage.New(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.MaxRuns)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}
	defer closeStore()

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	locator, err := dataset.NewLocator(cfg.Dataset)
	if err != nil {
		logger.Fatal("Failed to locate dataset directory: %v", err)
	}
	logger.Debug("Reference dataset directory: %s", locator.Dir())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	run := &models.Run{
		ID:         uuid.New().String(),
		StartedAt:  time.Now().UTC(),
		InputPath:  cfg.Input.CSVPath,
		OutputPath: cfg.Input.OutputPath,
		Status:     models.RunSucceeded,
	}

	res, err := pipeline.New(cfg, locator).Run(ctx)
	res.FillRun(run)
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
		recordRun(store, run)
		if telegramClient != nil {
			if sendErr := telegramClient.SendError(run, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		closeStore()
		logger.Fatal("Pipeline failed: %v", err)
	}

	printSummary(res, cfg)

	if res.Evoked != nil {
		writeOutputs(res, cfg)
	}

	recordRun(store, run)

	if telegramClient != nil {
		if err := telegramClient.SendReport(run); err != nil {
			logger.Error("Failed to send Telegram notification: %v", err)
		} else {
			logger.Info("Sent Telegram run report")
		}
	}

	logger.Info("Run %s completed in %v", run.ID, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
}

// printSummary writes the acquisition metadata and the N400 measures to stdout.
func printSummary(res *pipeline.Result, cfg *config.Config) {
	rec := res.Raw
	if rec == nil {
		rec = res.Converted
	}
	if rec != nil {
		fmt.Println(rec.Info.String())
	}
	if res.Evoked == nil {
		return
	}

	fmt.Printf("N400 window %.0f-%.0f ms (%s), %d epochs averaged\n",
		cfg.N400.Tmin*1e3, cfg.N400.Tmax*1e3, cfg.N400.Mode, res.Evoked.NAve)
	fmt.Printf("N400 amplitude: %.3f uV\n", res.Peak.Amplitude*1e6)
	fmt.Printf("N400 latency: %.1f ms (%s)\n", res.Peak.Latency*1e3, res.Peak.Channel)
	fmt.Printf("N400 AUC: %.4g uV*s\n", res.AUC*1e6)
}

// writeOutputs renders figures and exports arrays. Failures here are logged,
// not fatal: the measurements are already computed.
func writeOutputs(res *pipeline.Result, cfg *config.Config) {
	if cfg.Plot.Enabled {
		renderer, err := plot.NewRenderer(cfg.Plot)
		if err != nil {
			logger.Error("Failed to create figure directory: %v", err)
		} else {
			renderFigures(renderer, res, cfg)
		}
	}

	if cfg.Export.HDF5Path != "" {
		arrays := export.Arrays{Evoked: res.Evoked, Spectrum: res.Spectrum, Source: res.Source}
		if err := export.WriteHDF5(cfg.Export.HDF5Path, arrays); err != nil {
			logger.Error("Failed to export arrays: %v", err)
		}
	}
}

func renderFigures(r *plot.Renderer, res *pipeline.Result, cfg *config.Config) {
	if path, err := r.Evoked(res.Evoked, cfg.N400.Tmin, cfg.N400.Tmax); err != nil {
		logger.Error("Failed to plot evoked response: %v", err)
	} else {
		logger.Info("Saved %s", path)
	}

	if res.Spectrum != nil {
		if path, err := r.PSD(res.Spectrum); err != nil {
			logger.Error("Failed to plot PSD: %v", err)
		} else {
			logger.Info("Saved %s", path)
		}
	}

	if res.Source != nil {
		if path, err := r.Source(res.Source, cfg.Source.InitialTime); err != nil {
			logger.Error("Failed to plot source estimate: %v", err)
		} else {
			logger.Info("Saved %s", path)
		}
	}
}

func recordRun(store *storage.Storage, run *models.Run) {
	if err := store.SaveRun(run); err != nil {
		logger.Error("Failed to record run: %v", err)
		return
	}
	removed, err := store.RotateRuns()
	if err != nil {
		logger.Warn("Failed to rotate runs: %v", err)
	} else if removed > 0 {
		logger.Debug("Rotated %d old runs out of the ledger", removed)
	}
}
