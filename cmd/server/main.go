package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fwi-orchestrator/api/rest/handlers"
	"fwi-orchestrator/api/rest/routes"
	"fwi-orchestrator/config"
	"fwi-orchestrator/core/batch"
	"fwi-orchestrator/core/controller"
	"fwi-orchestrator/core/models"
	"fwi-orchestrator/core/monitoring"
	"fwi-orchestrator/core/optimizer"
	"fwi-orchestrator/core/registry"
	"fwi-orchestrator/core/repository"
	"fwi-orchestrator/core/scheduler"
	"fwi-orchestrator/core/site"
	ec2site "fwi-orchestrator/core/site/ec2"
	"fwi-orchestrator/storage"

	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Remote site client
	var siteClient site.Client
	switch cfg.HPC.SiteName {
	case "ec2":
		siteClient, err = ec2site.NewClient(ctx, cfg.HPC.AWSRegion, cfg.HPC.AMIID, cfg.HPC.InstanceType)
		if err != nil {
			log.Fatalf("Failed to create EC2 site client: %v", err)
		}
	case "local":
		siteClient = site.NewLocalSite(3)
	default:
		log.Fatalf("Unknown site %q", cfg.HPC.SiteName)
	}

	// Persistence: Postgres + MinIO in production, in-memory for the
	// local site mode.
	var (
		jobStore  registry.JobStore
		eventPool interface {
			batch.EventPool
			controller.EventTracker
			AddEvent(name string, validation bool) error
		}
		checkpoints controller.CheckpointStore
		blobStore   storage.BlobStore
		jobViewer   handlers.JobViewer
	)

	if cfg.HPC.SiteName == "local" {
		mem := repository.NewMemoryStore()
		jobStore = mem
		eventPool = mem
		checkpoints = mem
		jobViewer = mem
		blobStore = storage.NewMemoryBlobStore()
	} else {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		log.Println("Database connected successfully")

		jobRepo := repository.NewJobRepository(db)
		jobStore = jobRepo
		jobViewer = jobRepo
		eventPool = repository.NewEventRepository(db)
		checkpoints = repository.NewCheckpointRepository(db)

		blobStore, err = storage.NewMinioStore(ctx,
			cfg.Store.Endpoint, cfg.Store.AccessKey, cfg.Store.SecretKey,
			cfg.Store.Bucket, cfg.Store.UseSSL)
		if err != nil {
			log.Fatalf("Failed to connect to object store: %v", err)
		}
	}

	// Seed the observation event pool.
	for _, name := range cfg.Inversion.Events {
		if err := eventPool.AddEvent(name, false); err != nil {
			log.Fatalf("Failed to register event %q: %v", name, err)
		}
	}
	for _, name := range cfg.Monitoring.ValidationEvents {
		if err := eventPool.AddEvent(name, true); err != nil {
			log.Fatalf("Failed to register validation event %q: %v", name, err)
		}
	}

	transfers := storage.NewTransferManager(blobStore)

	// Core components
	reg := registry.New(siteClient, jobStore, cfg.HPC.MaxReposts)
	if cfg.HPC.SiteName != "local" {
		// An EC2 instance terminates on success and on solver crashes
		// alike; the output object distinguishes the two.
		reg.WithVerifier(transfers.VerifyOutput)
	}
	batches := batch.NewManager(eventPool)
	speculative := scheduler.NewSpeculative(cfg.Inversion.SpeculativeAdjoints)
	adapter := optimizer.NewAdapter(
		optimizer.NewBasicTrustRegion(),
		&optimizer.SteepestDescent{
			InitialStep: cfg.Inversion.InitialStep,
			Percent:     cfg.Inversion.InitialStepPercent,
		},
		// The initial model is current until the first accepted update.
		models.ModelState{
			ModelURI:  cfg.Inversion.InitialModelURI,
			StepScale: 1.0,
		},
	)

	misfits := controller.BlobMisfits(transfers)
	if cfg.HPC.SiteName == "local" {
		misfits = controller.DecayingMisfits()
	}

	ctrl := controller.New(cfg, reg, batches, speculative, adapter,
		checkpoints, transfers, eventPool, misfits, controller.SystemClock{})

	// Monitoring API
	metrics := monitoring.NewMetricsExporter(jobViewer, ctrl)
	r := mux.NewRouter()
	routes.SetupRoutes(r, ctrl, jobViewer, checkpoints, metrics)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}
	go func() {
		log.Printf("Monitoring API listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Run the inversion loop until completion or interruption.
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("Controller stopped: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down, waiting for in-flight transfers...")
		<-done
	}

	transfers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Orchestrator exited")
}
