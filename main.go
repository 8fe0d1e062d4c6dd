package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"

	"wagerchess/internal/config"
	"wagerchess/internal/game"
	"wagerchess/internal/handlers"
	"wagerchess/internal/logging"
	"wagerchess/internal/matchmaking"
	"wagerchess/internal/registry"
	"wagerchess/internal/settlement"
	"wagerchess/internal/storage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	logging.Debug = *debug

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database: ", err)
	}
	store := storage.NewStore(db)

	// Settlement engine and room hub
	engine := settlement.NewEngine(store, settlement.Config{EloK: cfg.EloK})
	hub := game.NewHub(store, engine, game.HubConfig{
		AbandonAfter:   cfg.AbandonAfter,
		SweepEvery:     cfg.SweepEvery,
		RetainFinished: cfg.RetainFinished,
		ChatCooldown:   cfg.ChatCooldown,
	})
	if err := hub.StartSweeper(); err != nil {
		log.Fatal("failed to start sweeper: ", err)
	}
	defer hub.Stop()

	// Presence registry; net changes fan out to related identities
	var reg *registry.Registry
	reg = registry.New(cfg.PresenceGrace, registry.NoopNotifier{}, func(userID string, online bool, related []string) {
		payload := handlers.PresencePayload{Kind: "presence", User: userID, Online: online}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		for _, r := range related {
			reg.SendTo(r, data)
		}
	})

	queue := matchmaking.NewQueue(store, hub, matchmaking.Config{RatingWindow: cfg.RatingWindow})

	h := handlers.NewHandler(hub, reg, queue, store)

	http.HandleFunc("/ws", h.HandleWS)
	http.HandleFunc("/new", h.HandleNew)
	http.HandleFunc("/stats", h.HandleStats)

	log.Printf("wagerchess %s listening on %s …", versionString(), cfg.Bind)
	log.Fatal(http.ListenAndServe(cfg.Bind, nil))
}
