// Command dicomqr queries and retrieves series from a PACS.
//
//	dicomqr [common flags] echo
//	dicomqr [common flags] find -name 'DOE^*' -from 20240101 -to 20240131
//	dicomqr [common flags] retrieve -method get 1.2.3.4 1.2.3.5
//	dicomqr [common flags] push file.dcm ...
//	dicomqr [common flags] listen
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/config"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/events"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/session"
)

type options struct {
	configPath  string
	metricsAddr string
	remoteHost  string
	remotePort  uint
	remoteAE    string
	localAE     string
	logLevel    string
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{"echo", "verify the PACS with C-ECHO", runEcho},
	{"find", "search series", runFind},
	{"retrieve", "retrieve series or one instance", runRetrieve},
	{"push", "send Part 10 files with C-STORE", runPush},
	{"listen", "run the move listener until interrupted", runListen},
}

func main() {
	var opts options
	fs := flag.NewFlagSet("dicomqr", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fs.StringVar(&opts.remoteHost, "host", "", "PACS host")
	fs.UintVar(&opts.remotePort, "port", 0, "PACS port")
	fs.StringVar(&opts.remoteAE, "aec", "", "PACS AE title")
	fs.StringVar(&opts.localAE, "aet", "", "local AE title")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: dicomqr [flags] <command> [command flags]")
		fmt.Fprintln(fs.Output(), "\ncommands:")
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %-9s %s\n", c.name, c.usage)
		}
		fmt.Fprintln(fs.Output(), "\nflags:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == fs.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicomqr: %v\n", err)
		os.Exit(1)
	}
	err = app.execute(ctx, *cmd, fs.Args()[1:])
	app.close()
	if err != nil {
		app.logger.Error().Err(err).Str("command", cmd.name).Bool("retryable", dicomerrors.Transient(err)).Msg("Command failed")
		os.Exit(1)
	}
}

// app owns the session and the optional NATS and metrics outputs.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	session *session.Session
	closers []func() error
}

func newApp(opts options) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "dicomqr"})
	a := &app{cfg: cfg, logger: log.WithComponent("cli")}

	notifiers := []events.Notifier{events.NotifierFunc(a.logEvent)}
	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, &a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		async := events.NewAsync(pub, 0, &a.logger)
		a.closers = append(a.closers, async.Close, pub.Close)
		notifiers = append(notifiers, async)
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{Addr: opts.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Str("address", opts.metricsAddr).Msg("Metrics server failed")
			}
		}()
		a.closers = append(a.closers, srv.Close)
	}

	s, err := session.New(cfg,
		session.WithLogger(&a.logger),
		session.WithNotifier(events.Multi(notifiers...)),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.session = s
	return a, nil
}

// loadConfig applies command line flags over the file and environment.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.remoteHost != "" {
		cfg.Remote.Host = opts.remoteHost
	}
	if opts.remotePort != 0 {
		cfg.Remote.Port = uint16(opts.remotePort)
	}
	if opts.remoteAE != "" {
		cfg.Remote.AETitle = opts.remoteAE
	}
	if opts.localAE != "" {
		cfg.Local.AETitle = opts.localAE
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg, cfg.Validate()
}

func (a *app) execute(ctx context.Context, cmd command, args []string) error {
	// A signal stops the running operation the same way RequestStop does.
	stopOnSignal := context.AfterFunc(ctx, a.session.RequestStop)
	defer stopOnSignal()
	return cmd.run(ctx, a, args)
}

func (a *app) close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Session close")
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Debug().Err(err).Msg("Close output")
		}
	}
}

func (a *app) logEvent(e events.Event) {
	ev := a.logger.Debug()
	if e.Kind == events.ConnectionLost {
		ev = a.logger.Warn()
	}
	ev = ev.Str("kind", string(e.Kind)).Str(log.FieldSessionID, e.SessionID)
	if e.Device != "" {
		ev = ev.Str(log.FieldDevice, e.Device)
	}
	if e.Object != nil {
		ev = ev.Str(log.FieldInstanceUID, e.Object.SOPInstanceUID).Str("shape", e.Object.Shape)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("Session event")
}
