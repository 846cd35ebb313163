// Package pacstest runs an in-process PACS answering C-ECHO, C-FIND, C-MOVE,
// C-GET and C-STORE over a real TCP listener. It backs the end-to-end tests
// and the mockpacs command.
package pacstest

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/listener"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/services"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Instance is one stored object. Data is an Explicit VR Little Endian data
// set.
type Instance struct {
	SOPClassUID    string
	SOPInstanceUID string
	InstanceNumber int
	Data           []byte
}

// Series holds the attributes returned at SERIES level and its instances.
type Series struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	PatientName       string
	PatientID         string
	PatientBirthDate  string
	PatientSex        string
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
	Instances         []Instance
}

// Request records a query/retrieve request the PACS received.
type Request struct {
	Command        string
	Level          string
	SeriesUID      string
	SOPInstanceUID string
	InstanceNumber string
	Destination    string
}

// Option configures a PACS.
type Option func(*PACS)

// WithLogger overrides the PACS logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(p *PACS) { p.logger = log.Or(l, "pacstest") }
}

// WithSubOperationDelay pauses before every C-STORE sub-operation.
func WithSubOperationDelay(d time.Duration) Option {
	return func(p *PACS) { p.delay = d }
}

// PACS is a mock archive. Data and faults may be changed while it runs.
type PACS struct {
	aeTitle  string
	logger   zerolog.Logger
	delay    time.Duration
	listener *listener.Listener

	mu           sync.RWMutex
	series       map[string]*Series
	order        []string
	destinations map[string]string
	failures     map[string]uint16
	requests     []Request
	stored       []types.IncomingObject
}

// New creates a stopped PACS answering to aeTitle.
func New(aeTitle string, opts ...Option) *PACS {
	p := &PACS{
		aeTitle:      aeTitle,
		logger:       log.Or(nil, "pacstest"),
		series:       make(map[string]*Series),
		destinations: make(map[string]string),
		failures:     make(map[string]uint16),
	}
	for _, opt := range opts {
		opt(p)
	}

	registry := services.NewRegistry(&p.logger)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(&p.logger))
	registry.RegisterHandler(types.CFindRQ, &findService{pacs: p})
	registry.RegisterHandler(types.CMoveRQ, &retrieveService{pacs: p, command: types.CMoveRQ})
	registry.RegisterHandler(types.CGetRQ, &retrieveService{pacs: p, command: types.CGetRQ})
	registry.RegisterHandler(types.CStoreRQ, services.NewStoreService(archive{p}, &p.logger))

	p.listener = listener.New(registry,
		listener.WithName("pacs"),
		listener.WithHost("127.0.0.1"),
		listener.WithLogger(&p.logger),
		listener.WithStopTimeout(2*time.Second),
		listener.WithGracePeriod(200*time.Millisecond),
	)
	return p
}

// Start listens on port; 0 picks a free port.
func (p *PACS) Start(port uint16) error {
	return p.listener.Start(p.aeTitle, port)
}

// Stop closes the listener and every open association.
func (p *PACS) Stop() error {
	return p.listener.Stop()
}

// Port returns the bound port.
func (p *PACS) Port() uint16 {
	return p.listener.Port()
}

// AETitle returns the PACS AE title.
func (p *PACS) AETitle() string {
	return p.aeTitle
}

// Parameters returns connection parameters for a client calling the PACS.
func (p *PACS) Parameters(localAETitle string) types.ConnectionParameters {
	return types.ConnectionParameters{
		LocalAETitle:  localAETitle,
		RemoteHost:    "127.0.0.1",
		RemotePort:    p.Port(),
		RemoteAETitle: p.aeTitle,
	}
}

// AddSeries stores s, replacing a series with the same UID.
func (p *PACS) AddSeries(s Series) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.series[s.SeriesInstanceUID]; !ok {
		p.order = append(p.order, s.SeriesInstanceUID)
	}
	sorted := append([]Instance(nil), s.Instances...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].InstanceNumber < sorted[j].InstanceNumber })
	s.Instances = sorted
	p.series[s.SeriesInstanceUID] = &s
}

// AddDestination registers where C-MOVE sends objects for aeTitle.
func (p *PACS) AddDestination(aeTitle, host string, port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destinations[aeTitle] = net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// FailSeries makes retrieves of seriesUID end with status.
func (p *PACS) FailSeries(seriesUID string, status uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[seriesUID] = status
}

// Requests returns the C-FIND/C-MOVE/C-GET requests received so far.
func (p *PACS) Requests() []Request {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Request(nil), p.requests...)
}

// Stored returns the objects pushed to the PACS with C-STORE.
func (p *PACS) Stored() []types.IncomingObject {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.IncomingObject(nil), p.stored...)
}

// archive keeps pushed objects; they are not added to the queryable series.
type archive struct{ pacs *PACS }

func (a archive) Accept(_ context.Context, obj types.IncomingObject) error {
	a.pacs.mu.Lock()
	a.pacs.stored = append(a.pacs.stored, obj)
	a.pacs.mu.Unlock()
	return nil
}

func (p *PACS) record(r Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r)
	p.mu.Unlock()
}

func (p *PACS) allSeries() []Series {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Series, 0, len(p.order))
	for _, uid := range p.order {
		out = append(out, *p.series[uid])
	}
	return out
}

func (p *PACS) lookupSeries(uid string) (Series, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.series[uid]
	if !ok {
		return Series{}, false
	}
	return *s, true
}

func (p *PACS) failure(seriesUID string) (uint16, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status, ok := p.failures[seriesUID]
	return status, ok
}

func (p *PACS) destination(aeTitle string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addr, ok := p.destinations[aeTitle]
	return addr, ok
}

// storeConfig is the association used to push C-MOVE sub-operations.
func (p *PACS) storeConfig(destinationAE, addr string) (client.Config, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return client.Config{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		Parameters: types.ConnectionParameters{
			LocalAETitle:  p.aeTitle,
			RemoteHost:    host,
			RemotePort:    uint16(port),
			RemoteAETitle: destinationAE,
		},
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Logger:         &p.logger,
	}, nil
}
