// Command wait-queues blocks until the reconcile queues stay empty for a
// number of consecutive polls. CI runs it before asserting that the row store
// has converged.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"brilliant-board/storage"
)

type queueList []string

func (q *queueList) String() string {
	if q == nil {
		return ""
	}
	return strings.Join(*q, ",")
}

func (q *queueList) Set(value string) error {
	if value == "" {
		return errors.New("queue name cannot be empty")
	}
	*q = append(*q, value)
	return nil
}

type pendingCounter interface {
	Pending(ctx context.Context) (int, error)
}

// waitDrained polls every queue until each has reported empty stable times in
// a row. A non-empty poll resets that queue's streak.
func waitDrained(ctx context.Context, interval time.Duration, stable int, queues map[string]pendingCounter) error {
	if stable < 1 {
		stable = 1
	}
	streak := make(map[string]int, len(queues))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done := true
		for name, q := range queues {
			n, err := q.Pending(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.WithFields(log.Fields{"queue": name, "pending": n}).Info("queue not drained")
				streak[name] = 0
				done = false
				continue
			}
			streak[name]++
			if streak[name] < stable {
				done = false
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		connStr  string
		timeout  time.Duration
		interval time.Duration
		stable   int
		queues   queueList
	)
	flag.StringVar(&connStr, "connection-string", os.Getenv("STORAGE_CONNECTION_STRING"), "Azure Storage connection string")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "maximum time to wait for queues to drain")
	flag.DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	flag.IntVar(&stable, "stable", 3, "consecutive empty polls required per queue")
	flag.Var(&queues, "queue", "queue name to monitor (repeatable)")
	flag.Parse()

	if connStr == "" {
		log.Fatal("connection-string is required")
	}
	if len(queues) == 0 {
		if q := os.Getenv("RECONCILE_QUEUE"); q != "" {
			queues = append(queues, q)
		}
	}
	if len(queues) == 0 {
		log.Fatal("at least one queue must be specified")
	}

	counters := make(map[string]pendingCounter, len(queues))
	for _, name := range queues {
		client, err := storage.NewQueueClient(connStr, name)
		if err != nil {
			log.Fatalf("queue client for %s: %v", name, err)
		}
		counters[name] = storage.NewFailureQueue(client)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := waitDrained(ctx, interval, stable, counters); err != nil {
		log.Fatalf("queue wait failed: %v", err)
	}
	log.Info("all queues drained")
}
