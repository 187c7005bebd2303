package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/deebee/pkg/config"
	"github.com/downfa11-org/deebee/pkg/controller"
	"github.com/downfa11-org/deebee/pkg/engine"
	"github.com/downfa11-org/deebee/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		fmt.Println("Invalid engine options:", err)
		os.Exit(1)
	}

	e, err := engine.Open(cfg.DataDir, opts)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		os.Exit(1)
	}

	if cfg.EnableExporter {
		srv := metrics.StartMetricsServer(cfg.ExporterPort)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ch := controller.NewCommandHandler(e)

	fmt.Printf("deebee ready (%s in %s). Type HELP for commands.\n", cfg.DBName, cfg.DataDir)
	fmt.Println("")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.EqualFold(strings.TrimSpace(line), "EXIT") {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Println(ch.HandleCommand(line))
	}
	if err := scanner.Err(); err != nil {
		fmt.Println("Failed to read input:", err)
	}

	if err := e.Close(); err != nil {
		fmt.Println("Failed to close database:", err)
		os.Exit(1)
	}
}
