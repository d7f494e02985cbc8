// Command sse-load holds many board change feeds open while a driver moves
// tasks between columns, and reports how many snapshots reached the clients.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

type snapshot struct {
	Tasks []struct {
		ID       string `json:"id"`
		ColumnID string `json:"columnId"`
	} `json:"tasks"`
}

type counters struct {
	events   atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
	moves    atomic.Uint64
}

func main() {
	baseURL := strings.TrimRight(getenv("BOARD_URL", "http://localhost:8080"), "/")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	moveEvery := time.Duration(getenvInt("MOVE_INTERVAL_MS", 500)) * time.Millisecond
	bearer := os.Getenv("TEST_BEARER")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	client := &http.Client{}
	var wg sync.WaitGroup
	for range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listen(ctx, client, baseURL, bearer, &c)
		}()
	}
	if moveEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drive(ctx, client, baseURL, bearer, moveEvery, &c)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				log.Error("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts, failures, events := c.attempts.Load(), c.failures.Load(), c.events.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d moves=%d events_received=%d connection_failures=%d\n",
		conns, int(duration.Seconds()), c.moves.Load(), events, failures)
	if events == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

func listen(ctx context.Context, client *http.Client, baseURL, bearer string, c *counters) {
	streamURL := baseURL + "/api/stream"
	if bearer != "" {
		streamURL += "?token=" + url.QueryEscape(bearer)
	}
	backoff := time.Second
	for ctx.Err() == nil {
		c.attempts.Add(1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			log.Fatalf("stream request: %v", err)
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			c.failures.Add(1)
			time.Sleep(backoff)
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = time.Second
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64<<10), 1<<20)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "data: ") {
				c.events.Add(1)
			}
		}
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		c.failures.Add(1)
	}
}

// drive moves the first task back and forth between the two columns.
func drive(ctx context.Context, client *http.Client, baseURL, bearer string, every time.Duration, c *counters) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		id, column, err := firstTask(ctx, client, baseURL, bearer)
		if err != nil {
			log.WithError(err).Warn("list tasks failed")
			continue
		}
		target := "in-progress"
		if column == target {
			target = "todo"
		}
		body := strings.NewReader(`{"columnId":"` + target + `"}`)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+"/api/tasks/"+url.PathEscape(id)+"/column", body)
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		authorize(req, bearer)
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			c.moves.Add(1)
		}
	}
}

func firstTask(ctx context.Context, client *http.Client, baseURL, bearer string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tasks", nil)
	if err != nil {
		return "", "", err
	}
	authorize(req, bearer)
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	var snap snapshot
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return "", "", err
	}
	if len(snap.Tasks) == 0 {
		return "", "", fmt.Errorf("board is empty")
	}
	return snap.Tasks[0].ID, snap.Tasks[0].ColumnID, nil
}

func authorize(req *http.Request, bearer string) {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}
