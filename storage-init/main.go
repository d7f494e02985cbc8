package main

import (
	"context"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"brilliant-board/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	tasksTable := os.Getenv("TASKS_TABLE")
	queue := os.Getenv("RECONCILE_QUEUE")
	log.WithFields(log.Fields{"table": tasksTable, "queue": queue}).Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := storage.EnsureTables(ctx, connStr, tasksTable); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := storage.EnsureQueues(ctx, connStr, queue); err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.Info("storage init complete")
}
