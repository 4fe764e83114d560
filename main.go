package main

import (
	"log"
	"net/http"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()
	log.Printf("Database initialized at %s", cfg.DBPath)

	llm := newAnthropicClient(cfg)
	gatekeeper := NewGatekeeper(llm)
	synthesizer := NewSynthesizer(llm)

	var index ContextIndex
	if cfg.WeaviateURL != "" {
		index = NewWeaviateIndex(cfg)
		log.Printf("Context index at %s (class=%s k=%d)", cfg.WeaviateURL, cfg.WeaviateClass, cfg.ContextK)
	} else {
		log.Println("Context retrieval disabled (weaviate_url not set); drafts will stand alone")
	}

	tracker := NewJiraClient(cfg)
	publisher := NewPublisher(tracker, cfg)
	notifier := NewNotifier(cfg)

	pipeline := NewPipeline(db, gatekeeper, index, synthesizer, publisher, notifier, cfg)

	StartIndexSyncScheduler(cfg, db, index)

	log.Printf("Starting ticket pipeline on %s (model=%s jira=%s project=%s)", cfg.ListenAddr, cfg.LLMModel, cfg.JiraURL, cfg.JiraProject)
	if err := http.ListenAndServe(cfg.ListenAddr, NewHTTPHandler(pipeline)); err != nil {
		log.Fatalf("HTTP server error: %v", err)
	}
}
