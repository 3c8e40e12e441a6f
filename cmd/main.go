package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/verdia/herbarium-backend/internal/clients/gcp"
	"github.com/verdia/herbarium-backend/internal/clients/gemini"
	"github.com/verdia/herbarium-backend/internal/db"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/pkg/retry"
	"github.com/verdia/herbarium-backend/internal/platform/localmedia"
	"github.com/verdia/herbarium-backend/internal/repos"
	"github.com/verdia/herbarium-backend/internal/services"
	"github.com/verdia/herbarium-backend/internal/types"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	plantRepo := repos.NewPlantRepo(thePG, log)

	// Clients
	log.Info("Setting up Clients from main...")
	geminiClient, err := gemini.NewClient(log)
	if err != nil {
		log.Error("Could not init Gemini client", "error", err)
		os.Exit(1)
	}
	blobService, err := gcp.NewBlobService(log)
	if err != nil {
		log.Warn("Could not init BlobService, media will not be persisted", "error", err)
	}
	speechSynth, err := gcp.NewSpeechSynthesizer(log)
	if err != nil {
		log.Warn("Could not init speech synthesis, audio generation disabled", "error", err)
	}
	localCache := localmedia.NewCache(log)

	// Services
	log.Info("Setting up Services from main...")
	retryer := retry.New(log, retry.DefaultMaxAttempts, retry.DefaultInitialDelay)
	generatorService := services.NewGeneratorService(log, geminiClient, retryer)
	plantService := services.NewPlantService(thePG, log, plantRepo, generatorService)
	mediaService := services.NewMediaService(log, plantRepo, plantService, generatorService, blobService, speechSynth, localCache)

	if len(os.Args) < 2 {
		log.Info("Usage: herbarium <plant name> [plant name...]")
		os.Exit(0)
	}

	ctx := context.Background()
	for _, name := range os.Args[1:] {
		resolveAndPrint(ctx, log, plantService, mediaService, name)
	}
	// Let the background view-count bumps land before the process exits.
	time.Sleep(200 * time.Millisecond)
}

func resolveAndPrint(ctx context.Context, log *logger.Logger, plants services.PlantService, media services.MediaService, name string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := plants.Resolve(ctx, name)
	if err != nil {
		log.Error("Resolve failed", "plant", name, "error", err)
		return
	}
	log.Info("Resolved plant", "plant", res.Record.Key, "source", res.Source)

	if img, err := media.GetOrGenerateMedia(ctx, res.Record.Key, types.MediaKindImage, services.MediaOptions{}); err != nil {
		log.Warn("Image generation failed", "plant", res.Record.Key, "error", err)
	} else if img.Item != nil {
		log.Info("Plant image", "plant", res.Record.Key, "url", img.Item.URL, "cached", img.Cached)
	} else {
		log.Info("Plant image returned unpersisted", "plant", res.Record.Key, "bytes", len(img.RawBytes))
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Error("Encode resolution failed", "plant", res.Record.Key, "error", err)
		return
	}
	fmt.Println(string(out))
}
