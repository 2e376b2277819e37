package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"closureme_back/authorization"
	"closureme_back/characters"
	"closureme_back/pipeline"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization")
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); origins != "" {
		config.AllowOrigins = strings.Split(origins, ",")
	} else {
		config.AllowAllOrigins = true
	}
	return config
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := auth.Guard()

	charModule, err := characters.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register character routes: %v", err)
	}

	if _, err := pipeline.RegisterRoutes(r, guard, charModule.Storage()); err != nil {
		log.Fatalf("register pipeline routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
