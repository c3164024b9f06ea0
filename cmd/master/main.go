// Command master broadcasts one file to every listening receiver over IP
// multicast, driving the session announce/broadcast/repair/end state
// machine of internal/master.Driver until every window is delivered or
// best-effort exhausted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"mcastrelay/internal/config"
	"mcastrelay/internal/logger"
	"mcastrelay/internal/master"
	"mcastrelay/internal/metrics"
	"mcastrelay/internal/transport"
)

func main() {
	profilePath := flag.String("profile", "", "path to a YAML network profile (optional)")
	fileID := flag.Int("file-id", 1, "session file_id (uint16)")
	chunkSize := flag.Int("chunk-size", 0, "override chunk_size (defaults to the profile's)")
	logDir := flag.String("log-dir", "logs", "directory for the role log file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: master [flags] <file>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	profile := config.LoadProfile(*profilePath)
	if *chunkSize > 0 {
		profile.ChunkSize = *chunkSize
	}
	if err := profile.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid network profile: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLoggers(*logDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init loggers: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseLoggers()
	log := logger.MasterLogger

	m := metrics.NewMasterMetrics(prometheus.DefaultRegisterer)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn("metrics server stopped: %v", err)
			}
		}()
	}

	source, err := master.LoadFile(path, profile.ChunkSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", path, err)
		os.Exit(1)
	}

	sender, err := transport.NewSender(profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open multicast sender: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("signal received, closing transport")
		_ = sender.Close()
	}()

	driver := master.NewDriver(sender, source, uint16(*fileID), profile, log, m)
	log.Info("broadcasting %s (%d chunks, %d windows) on %s", source.Filename, source.TotalChunks(), driver.Session.TotalWindows(), profile.Addr())

	if err := driver.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "transmission failed: %v\n", err)
		_ = sender.Close()
		os.Exit(1)
	}
	_ = sender.Close()
}
