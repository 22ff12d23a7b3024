package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"anivid/api"
	"anivid/client"
	"anivid/config"
	"anivid/database"
	"anivid/middleware"
	"anivid/repository"
	"anivid/services"
)

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: [Main] No .env file loaded, using process environment.")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: [Main] Failed to load configuration: %v", err)
	}

	db, err := database.Init(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("FATAL: [Main] Failed to initialize database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("FATAL: [Main] Failed to migrate database: %v", err)
	}

	// Repositories
	chatRepo := repository.NewChatRepository(db)
	quotaRepo := repository.NewQuotaRepository(db)
	characterRepo := repository.NewCharacterRepository(db)
	userRepo := repository.NewUserRepository(db)
	log.Println("INFO: [Main] Repositories initialized.")

	// Services
	membershipService := services.NewMembershipService(userRepo)
	quotaService := services.NewQuotaService(quotaRepo, membershipService, cfg)
	contextService := services.NewContextService(chatRepo, membershipService, cfg)
	promptService := services.NewPromptService(cfg)
	llmClient := services.NewLLMClient(cfg)
	chatService := services.NewChatService(
		chatRepo,
		characterRepo,
		membershipService,
		quotaService,
		contextService,
		promptService,
		llmClient,
		cfg,
	)
	generationClient := client.NewGenerationClient(cfg.Generation.BackendURL)
	log.Println("INFO: [Main] Services initialized.")

	apiHandler := api.NewAPIHandler(chatService, quotaService, membershipService, generationClient, cfg)

	r := gin.New()
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Cors())
	apiHandler.RegisterRoutes(r)
	log.Println("INFO: [Main] Routes registered.")

	serverPort := ":" + cfg.Server.Port
	if cfg.Server.Port == "" {
		log.Println("WARN: [Main] Server port not configured, using default :8080.")
		serverPort = ":8080"
	}
	log.Printf("INFO: [Main] Starting server on port %s", serverPort)
	if err := r.Run(serverPort); err != nil {
		log.Fatalf("FATAL: [Main] Server failed to start: %v", err)
	}
}
