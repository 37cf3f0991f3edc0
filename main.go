package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/astar"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/config"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/options"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/server"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/spatial"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/store"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/upstream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	settings := config.LoadSettings()

	if err := os.MkdirAll(settings.CacheDir, 0755); err != nil {
		log.Fatalf("failed to create cache directory %s: %v", settings.CacheDir, err)
	}

	log.Printf("=== Pathfinder started ===")
	log.Printf("cache directory: %s", settings.CacheDir)

	db, err := store.Open(filepath.Join(settings.CacheDir, "pathfinder.db"), upstream.IsThirdPartyPano)
	if err != nil {
		log.Fatalf("failed to open cache: %v", err)
	}
	defer db.Close()

	client, err := upstream.NewClient(upstream.Config{
		NIDCookiePath: filepath.Join(settings.CacheDir, "nid.txt"),
	})
	if err != nil {
		log.Fatalf("failed to create upstream client: %v", err)
	}
	defer client.Close()

	spatialIndex, err := spatial.New(db, client)
	if err != nil {
		log.Fatalf("failed to create spatial index: %v", err)
	}

	optionsEngine, err := options.New(spatialIndex, db)
	if err != nil {
		log.Fatalf("failed to create options engine: %v", err)
	}

	pathfinder := astar.New(optionsEngine, spatialIndex, db)

	srv := server.New(settings, db, spatialIndex, pathfinder)

	addr := fmt.Sprintf(":%d", settings.Port)
	log.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
