package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/log"
)

// DefaultSubjectPrefix is prepended to the event kind to form the subject.
const DefaultSubjectPrefix = "dicomqr"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every event as JSON on <prefix>.<kind>.
type NATSPublisher struct {
	nc     *nats.Conn
	pub    publisher
	prefix string
	logger zerolog.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix string, logger *zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("dicomqr"))
	if err != nil {
		return nil, err
	}
	p := newPublisher(nc, prefix, logger)
	p.nc = nc
	p.logger.Info().Str("url", url).Msg("Connected to NATS")
	return p, nil
}

func newPublisher(pub publisher, prefix string, logger *zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{pub: pub, prefix: prefix, logger: log.Or(logger, "events")}
}

// Subject returns the subject an event of kind k is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return p.prefix + "." + string(k)
}

// Notify publishes e. Failures are logged, never returned.
func (p *NATSPublisher) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error().Err(err).Str(log.FieldEvent, string(e.Kind)).Msg("Failed to encode event")
		return
	}
	if err := p.pub.Publish(p.Subject(e.Kind), data); err != nil {
		p.logger.Warn().Err(err).Str(log.FieldEvent, string(e.Kind)).Msg("Failed to publish event")
	}
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
