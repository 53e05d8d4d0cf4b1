// convoke runs the conversation run scheduler: claims queued runs,
// drives them through the LLM, advances rounds, and reaps stuck work.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/convoke-run/convoke/pkg/api"
	"github.com/convoke-run/convoke/pkg/config"
	"github.com/convoke-run/convoke/pkg/database"
	"github.com/convoke-run/convoke/pkg/events"
	"github.com/convoke-run/convoke/pkg/executor"
	"github.com/convoke-run/convoke/pkg/healthsrv"
	"github.com/convoke-run/convoke/pkg/llm"
	"github.com/convoke-run/convoke/pkg/maintenance"
	"github.com/convoke-run/convoke/pkg/planner"
	"github.com/convoke-run/convoke/pkg/promptassembler"
	"github.com/convoke-run/convoke/pkg/reaper"
	"github.com/convoke-run/convoke/pkg/roundledger"
	"github.com/convoke-run/convoke/pkg/runstore"
	"github.com/convoke-run/convoke/pkg/turnscheduler"
	"github.com/convoke-run/convoke/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// kickerProxy breaks the planner/scheduler construction cycle: the
// planner and reaper need a Kicker at construction time, but the only
// real Kicker (the turnscheduler.Scheduler) needs the planner already
// built. Both sides get a proxy; Scheduler is plugged in once it
// exists.
type kickerProxy struct {
	target interface{ Kick(conversationID string) }
}

func (p *kickerProxy) Kick(conversationID string) {
	if p.target != nil {
		p.target.Kick(conversationID)
	}
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	grpcPort := getEnv("GRPC_HEALTH_PORT", "8081")
	llmBaseURL := getEnv("LLM_BASE_URL", "")

	log.Printf("starting %s", version.Full())
	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer dbClient.Close()

	notifyDSN := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host, dbConfig.Port, dbConfig.User, dbConfig.Password, dbConfig.Database, dbConfig.SSLMode)
	publisher := events.NewEventPublisher(dbClient.DB())
	catchup := events.NewMessageCatchupAdapter(dbClient.Client)
	connManager := events.NewConnectionManager(catchup, 10*time.Second)
	listener := events.NewNotifyListener(notifyDSN, connManager)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("failed to start notify listener: %v", err)
	}
	connManager.SetListener(listener)

	stuckThreshold := time.Duration(cfg.Stats().StuckThresholdSecs) * time.Second
	store := runstore.New(dbClient.Client, runstore.WithStaleThreshold(stuckThreshold))
	rounds := roundledger.New(dbClient.Client)

	kicker := &kickerProxy{}
	plan := planner.New(dbClient.Client, rounds, kicker)
	scheduler := turnscheduler.New(dbClient.Client, rounds, plan, publisher)
	kicker.target = scheduler

	var llmClient llm.Client
	if llmBaseURL != "" {
		llmClient = llm.NewHTTPStreamClient(llmBaseURL, http.DefaultClient)
	} else {
		slog.Warn("LLM_BASE_URL not set, running with a no-op LLM client")
		llmClient = &llm.FakeClient{}
	}

	assembler := promptassembler.StubAssembler{}
	exec := executor.New(dbClient.Client, store, llmClient, assembler, publisher, scheduler, executor.Config{
		GlobalTokenLimit: cfg.Defaults.GlobalTokenLimit,
	})

	pool := turnscheduler.NewPool(store, exec, scheduler.Wake(), turnscheduler.Config{})
	pool.Start(ctx)
	defer pool.Stop()

	reap := reaper.New(dbClient.Client, store, scheduler, stuckThreshold)
	reapCtx, cancelReap := context.WithCancel(ctx)
	defer cancelReap()
	go reap.RunLoop(reapCtx, 30*time.Second)

	maintSvc := maintenance.New(reap)
	apiServer := api.NewServer(cfg, dbClient, maintSvc, connManager)

	healthProbe := healthsrv.New(dbClient.DB())
	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	go healthProbe.RunLoop(healthCtx, 10*time.Second)

	grpcLn, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		log.Fatalf("failed to bind gRPC health port: %v", err)
	}
	go func() {
		if err := healthProbe.Serve(grpcLn); err != nil {
			log.Printf("gRPC health server stopped: %v", err)
		}
	}()
	defer healthProbe.Stop()

	log.Printf("HTTP server listening on :%s, gRPC health on :%s", httpPort, grpcPort)
	if err := apiServer.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
		log.Fatalf("failed to start HTTP server: %v", err)
	}
}
