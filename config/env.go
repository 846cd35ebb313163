package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DICOMQR_"

// applyEnv overrides cfg with DICOMQR_* variables. A value that does not
// parse is logged and ignored.
func applyEnv(cfg *Config) {
	e := envReader{logger: log.WithComponent("config")}

	cfg.Local.AETitle = e.str("LOCAL_AE", cfg.Local.AETitle)
	cfg.Remote.Host = e.str("REMOTE_HOST", cfg.Remote.Host)
	cfg.Remote.Port = e.port("REMOTE_PORT", cfg.Remote.Port)
	cfg.Remote.AETitle = e.str("REMOTE_AE", cfg.Remote.AETitle)
	cfg.Move.AETitle = e.str("MOVE_AE", cfg.Move.AETitle)
	cfg.Move.Port = e.port("MOVE_PORT", cfg.Move.Port)
	cfg.Move.Host = e.str("MOVE_HOST", cfg.Move.Host)

	cfg.Timeouts.Connect = e.duration("CONNECT_TIMEOUT", cfg.Timeouts.Connect)
	cfg.Timeouts.Read = e.duration("READ_TIMEOUT", cfg.Timeouts.Read)
	cfg.Timeouts.Write = e.duration("WRITE_TIMEOUT", cfg.Timeouts.Write)
	cfg.Timeouts.Release = e.duration("RELEASE_TIMEOUT", cfg.Timeouts.Release)
	cfg.Timeouts.Stop = e.duration("STOP_TIMEOUT", cfg.Timeouts.Stop)

	cfg.Query.Model = e.str("QUERY_MODEL", cfg.Query.Model)
	cfg.Query.OffsetProbe = e.boolean("QUERY_OFFSET_PROBE", cfg.Query.OffsetProbe)
	cfg.Retrieve.Method = e.str("RETRIEVE_METHOD", cfg.Retrieve.Method)
	cfg.Retrieve.Rate = e.float("RETRIEVE_RATE", cfg.Retrieve.Rate)
	cfg.Retrieve.Burst = e.integer("RETRIEVE_BURST", cfg.Retrieve.Burst)
	cfg.Sink.Capacity = e.integer("SINK_CAPACITY", cfg.Sink.Capacity)

	cfg.Log.Level = e.str("LOG_LEVEL", cfg.Log.Level)
	cfg.NATS.URL = e.str("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = e.str("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)
}

type envReader struct {
	logger zerolog.Logger
}

func (e envReader) lookup(name string) (string, string, bool) {
	key := EnvPrefix + name
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return key, "", false
	}
	return key, v, true
}

func (e envReader) invalid(key, value string, err error) {
	e.logger.Warn().Err(err).Str("key", key).Str("value", value).Msg("ignoring invalid environment variable")
}

func (e envReader) str(name, current string) string {
	key, v, ok := e.lookup(name)
	if !ok {
		return current
	}
	e.logger.Debug().Str("key", key).Str("source", "environment").Msg("using environment variable")
	return v
}

func (e envReader) integer(name string, current int) int {
	key, v, ok := e.lookup(name)
	if !ok {
		return current
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, err)
		return current
	}
	return i
}

func (e envReader) port(name string, current uint16) uint16 {
	key, v, ok := e.lookup(name)
	if !ok {
		return current
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		e.invalid(key, v, err)
		return current
	}
	return uint16(p)
}

func (e envReader) float(name string, current float64) float64 {
	key, v, ok := e.lookup(name)
	if !ok {
		return current
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid(key, v, err)
		return current
	}
	return f
}

func (e envReader) boolean(name string, current bool) bool {
	key, v, ok := e.lookup(name)
	if !ok {
		return current
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, err)
		return current
	}
	return b
}

func (e envReader) duration(name string, current time.Duration) time.Duration {
	key, v, ok := e.lookup(name)
	if !ok {
		return current
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.invalid(key, v, err)
		return current
	}
	return d
}
