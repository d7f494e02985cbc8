// Command collect-events summarizes the board service's request events from
// its JSON log on stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		outPath     string
		eventName   string
		eventDomain string
	)
	flag.StringVar(&outPath, "out", "", "path to write the aggregated JSON summary")
	flag.StringVar(&eventName, "event-name", boardEventName, "observability event name to collect")
	flag.StringVar(&eventDomain, "event-domain", boardEventDomain, "observability event domain to match")
	flag.Parse()

	if outPath == "" {
		log.Fatal("-out is required")
	}

	c := newCollector(eventName, eventDomain)
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			c.ingest(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("read logs: %v", err)
		}
	}

	summary := c.summary()
	out, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Fatalf("encode summary: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		log.Fatalf("create output directory: %v", err)
	}
	if err := os.WriteFile(outPath, append(out, '\n'), 0o644); err != nil {
		log.Fatalf("write summary: %v", err)
	}
	fmt.Println(summary.ShortString())
}
