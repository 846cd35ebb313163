// Package config loads the client configuration.
//
// Precedence is ENV > file > defaults: a YAML file is decoded strictly on top
// of the defaults, DICOMQR_* variables override it and the result is
// validated before anything uses it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/caio-sobreiro/dicomqr/client"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/listener"
	"github.com/caio-sobreiro/dicomqr/retrieve"
	"github.com/caio-sobreiro/dicomqr/sink"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Config is the complete client configuration.
type Config struct {
	Local    LocalConfig    `yaml:"local"`
	Remote   RemoteConfig   `yaml:"remote"`
	Move     MoveConfig     `yaml:"move"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Query    QueryConfig    `yaml:"query"`
	Retrieve RetrieveConfig `yaml:"retrieve"`
	Sink     SinkConfig     `yaml:"sink"`
	Log      LogConfig      `yaml:"log"`
	NATS     NATSConfig     `yaml:"nats"`
}

// LocalConfig identifies this application entity.
type LocalConfig struct {
	AETitle string `yaml:"aeTitle"`
}

// RemoteConfig addresses the PACS.
type RemoteConfig struct {
	Host    string `yaml:"host"`
	Port    uint16 `yaml:"port"`
	AETitle string `yaml:"aeTitle"`
}

// MoveConfig describes the move listener. An empty AETitle disables C-MOVE.
// Port 0 binds an ephemeral port.
type MoveConfig struct {
	AETitle string `yaml:"aeTitle"`
	Port    uint16 `yaml:"port"`
	Host    string `yaml:"host"`
}

// TimeoutConfig bounds network operations.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
	Release time.Duration `yaml:"release"`
	Stop    time.Duration `yaml:"stop"`
}

// QueryConfig tunes the query engine.
type QueryConfig struct {
	// Model is "study" or "patient".
	Model       string `yaml:"model"`
	OffsetProbe bool   `yaml:"offsetProbe"`
}

// RetrieveConfig tunes retrieve batches.
type RetrieveConfig struct {
	// Method is "move" or "get".
	Method string `yaml:"method"`
	// Rate is identifiers per second; 0 means unlimited.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// SinkConfig declares the result slots.
type SinkConfig struct {
	Capacity int          `yaml:"capacity"`
	Slots    []SlotConfig `yaml:"slots"`
}

// SlotConfig declares one device slot.
type SlotConfig struct {
	Device string `yaml:"device"`
	// Kind is "timeline" or "object".
	Kind string `yaml:"kind"`
}

// LogConfig configures the base logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Local:  LocalConfig{AETitle: "DICOMQR"},
		Remote: RemoteConfig{Port: 104},
		Move:   MoveConfig{Port: listener.DefaultMovePort},
		Timeouts: TimeoutConfig{
			Connect: client.DefaultConnectTimeout,
			Read:    client.DefaultReadTimeout,
			Write:   client.DefaultWriteTimeout,
			Release: client.DefaultReleaseTimeout,
			Stop:    listener.DefaultStopTimeout,
		},
		Query:    QueryConfig{Model: "study", OffsetProbe: true},
		Retrieve: RetrieveConfig{Method: "move", Burst: 1},
		Sink:     SinkConfig{Capacity: sink.DefaultCapacity},
		Log:      LogConfig{Level: "info"},
		NATS:     NATSConfig{SubjectPrefix: "dicomqr"},
	}
}

// Load reads path (optional), applies the environment and validates.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that layer more overrides
// on top and validate afterwards.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	// #nosec G304 -- the path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return Parse(data, cfg)
}

// Parse decodes a single YAML document onto cfg. Unknown keys are errors.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Parameters().Validate(); err != nil {
		return err
	}
	if _, err := c.RetrieveMethod(); err != nil {
		return err
	}
	if c.Retrieve.Rate < 0 {
		return fmt.Errorf("%w: retrieve rate must not be negative", dicomerrors.ErrInvalidParameters)
	}
	if _, err := c.QueryModel(); err != nil {
		return err
	}
	if c.Sink.Capacity < 1 {
		return fmt.Errorf("%w: sink capacity must be at least 1", dicomerrors.ErrInvalidParameters)
	}
	if _, err := c.Slots(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"connect": c.Timeouts.Connect,
		"read":    c.Timeouts.Read,
		"write":   c.Timeouts.Write,
		"release": c.Timeouts.Release,
		"stop":    c.Timeouts.Stop,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s timeout must be positive", dicomerrors.ErrInvalidParameters, name)
		}
	}
	return nil
}

// Parameters returns the association parameters. The move port is only
// carried when a move AE title is configured.
func (c Config) Parameters() types.ConnectionParameters {
	p := types.ConnectionParameters{
		LocalAETitle:  c.Local.AETitle,
		RemoteHost:    c.Remote.Host,
		RemotePort:    c.Remote.Port,
		RemoteAETitle: c.Remote.AETitle,
	}
	if c.Move.AETitle != "" {
		p.MoveAETitle = c.Move.AETitle
		p.MovePort = c.Move.Port
	}
	return p
}

// Client returns the association configuration without logger or notifier.
func (c Config) Client() client.Config {
	return client.Config{
		Parameters:     c.Parameters(),
		ConnectTimeout: c.Timeouts.Connect,
		ReadTimeout:    c.Timeouts.Read,
		WriteTimeout:   c.Timeouts.Write,
		ReleaseTimeout: c.Timeouts.Release,
	}
}

// RetrieveMethod parses Retrieve.Method.
func (c Config) RetrieveMethod() (retrieve.Method, error) {
	return retrieve.ParseMethod(c.Retrieve.Method)
}

// RateLimit returns the identifier rate; zero means unlimited.
func (c Config) RateLimit() (rate.Limit, int) {
	burst := c.Retrieve.Burst
	if burst < 1 {
		burst = 1
	}
	if c.Retrieve.Rate == 0 {
		return rate.Inf, burst
	}
	return rate.Limit(c.Retrieve.Rate), burst
}

// QueryModel returns the C-FIND SOP class of Query.Model.
func (c Config) QueryModel() (string, error) {
	switch strings.ToLower(c.Query.Model) {
	case "", "study":
		return types.StudyRootQueryRetrieveInformationModelFind, nil
	case "patient":
		return types.PatientRootQueryRetrieveInformationModelFind, nil
	}
	return "", fmt.Errorf("%w: unknown query model %q", dicomerrors.ErrInvalidParameters, c.Query.Model)
}

// MoveModel returns the C-MOVE SOP class matching Query.Model.
func (c Config) MoveModel() string {
	if strings.EqualFold(c.Query.Model, "patient") {
		return types.PatientRootQueryRetrieveInformationModelMove
	}
	return types.StudyRootQueryRetrieveInformationModelMove
}

// Slots converts the configured slots.
func (c Config) Slots() ([]sink.Slot, error) {
	slots := make([]sink.Slot, 0, len(c.Sink.Slots))
	seen := make(map[string]bool)
	for i, s := range c.Sink.Slots {
		if s.Device == "" {
			return nil, fmt.Errorf("%w: sink slot %d has no device", dicomerrors.ErrInvalidParameters, i)
		}
		if seen[s.Device] {
			return nil, fmt.Errorf("%w: duplicate sink slot %q", dicomerrors.ErrInvalidParameters, s.Device)
		}
		seen[s.Device] = true

		var kind sink.SlotKind
		switch strings.ToLower(s.Kind) {
		case "", "timeline":
			kind = sink.SlotTimeline
		case "object":
			kind = sink.SlotObject
		default:
			return nil, fmt.Errorf("%w: sink slot %q has unknown kind %q", dicomerrors.ErrInvalidParameters, s.Device, s.Kind)
		}
		slots = append(slots, sink.Slot{DeviceName: s.Device, Kind: kind})
	}
	return slots, nil
}
