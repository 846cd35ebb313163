// Command mockpacs runs the in-process mock PACS with synthetic CT series,
// for trying dicomqr without a real archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caio-sobreiro/dicomqr/dicom"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/pacstest"
)

// destinations collects repeated -dest AE=host:port flags.
type destinations map[string]string

func (d destinations) String() string {
	parts := make([]string, 0, len(d))
	for ae, addr := range d {
		parts = append(parts, ae+"="+addr)
	}
	return strings.Join(parts, ",")
}

func (d destinations) Set(v string) error {
	ae, addr, ok := strings.Cut(v, "=")
	if !ok || ae == "" {
		return fmt.Errorf("want AE=host:port, got %q", v)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	d[ae] = addr
	return nil
}

func main() {
	port := flag.Uint("port", 4242, "TCP port to listen on")
	aeTitle := flag.String("ae", "MOCKPACS", "PACS AE title")
	seriesCount := flag.Int("series", 3, "number of synthetic series")
	images := flag.Int("images", 5, "images per series")
	zeroBased := flag.Bool("zero-based", false, "number instances from 0")
	delay := flag.Duration("delay", 0, "pause before every C-STORE sub-operation")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	logLevel := flag.String("log-level", "info", "log level")
	dests := destinations{}
	flag.Var(dests, "dest", "C-MOVE destination AE=host:port (repeatable)")
	flag.Parse()

	log.Configure(log.Config{Level: *logLevel, Service: "mockpacs"})
	logger := log.WithComponent("mockpacs")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pacs := pacstest.New(*aeTitle, pacstest.WithLogger(&logger), pacstest.WithSubOperationDelay(*delay))
	first := 1
	if *zeroBased {
		first = 0
	}
	studyUID := dicom.NewUID()
	for i := 0; i < *seriesCount; i++ {
		pacs.AddSeries(pacstest.SyntheticSeries(pacstest.SeriesTemplate{
			StudyInstanceUID:    studyUID,
			SeriesInstanceUID:   dicom.NewUID(),
			PatientName:         "DOE^JOHN",
			PatientID:           "123456",
			StudyDate:           time.Now().Format("20060102"),
			SeriesDescription:   fmt.Sprintf("SYNTHETIC %d", i+1),
			Instances:           *images,
			FirstInstanceNumber: first,
		}))
	}
	for ae, addr := range dests {
		host, p, _ := net.SplitHostPort(addr)
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			logger.Error().Err(err).Str("destination", ae).Msg("Invalid destination port")
			os.Exit(2)
		}
		pacs.AddDestination(ae, host, uint16(n))
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	if *port > 0xFFFF {
		logger.Error().Uint("port", *port).Msg("Port out of range")
		os.Exit(2)
	}
	if err := pacs.Start(uint16(*port)); err != nil {
		logger.Error().Err(err).Msg("Mock PACS failed to start")
		os.Exit(1)
	}
	logger.Info().Int("series", *seriesCount).Int("images", *images).Str("study_uid", studyUID).Msg("Mock PACS ready")

	<-ctx.Done()
	if err := pacs.Stop(); err != nil {
		logger.Error().Err(err).Msg("Mock PACS stop")
		os.Exit(1)
	}
	logger.Info().Msg("Mock PACS shutdown complete")
}
