// Command receiver joins the multicast group as one UAV and runs
// internal/receiver.Driver until a session's END frame verifies (or the
// process is interrupted).
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"mcastrelay/internal/config"
	"mcastrelay/internal/logger"
	"mcastrelay/internal/metrics"
	"mcastrelay/internal/receiver"
	"mcastrelay/internal/transport"
)

func main() {
	profilePath := flag.String("profile", "", "path to a YAML network profile (optional)")
	logDir := flag.String("log-dir", "logs", "directory for the role log file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: receiver [flags] <uav_id>")
		os.Exit(1)
	}
	uavID, err := strconv.Atoi(flag.Arg(0))
	if err != nil || uavID < 0 || uavID > config.MaxUAVID {
		fmt.Fprintf(os.Stderr, "uav_id must be an integer in [0,%d]\n", config.MaxUAVID)
		os.Exit(1)
	}

	profile := config.LoadProfile(*profilePath)
	if err := profile.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid network profile: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLoggers(*logDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init loggers: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseLoggers()
	log := logger.ReceiverLogger.WithField("uav_id", strconv.Itoa(uavID))

	m := metrics.NewReceiverMetrics(prometheus.DefaultRegisterer)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Warn("metrics server stopped: %v", err)
			}
		}()
	}

	conn, err := transport.NewReceiver(profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open multicast receiver: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("signal received, closing transport")
		_ = conn.Close()
	}()

	driver := receiver.NewDriver(conn, uint8(uavID), profile, log, m)
	log.Info("joined multicast group %s, waiting for a session", profile.Addr())

	if err := driver.Run(); err != nil {
		log.Warn("receive loop ended: %v", err)
	}
	_ = conn.Close()
}
