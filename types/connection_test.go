package types

import (
	"errors"
	"strings"
	"testing"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
)

func validParams() ConnectionParameters {
	return ConnectionParameters{
		LocalAETitle:  "DICOMQR",
		RemoteHost:    "pacs.local",
		RemotePort:    104,
		RemoteAETitle: "ORTHANC",
		MoveAETitle:   "DICOMQR_MOVE",
		MovePort:      11110,
	}
}

func TestConnectionParameters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectionParameters)
		wantErr bool
	}{
		{"valid", func(*ConnectionParameters) {}, false},
		{"no move destination", func(p *ConnectionParameters) { p.MoveAETitle = ""; p.MovePort = 0 }, false},
		{"empty local AE", func(p *ConnectionParameters) { p.LocalAETitle = "" }, true},
		{"long remote AE", func(p *ConnectionParameters) { p.RemoteAETitle = strings.Repeat("A", 17) }, true},
		{"backslash AE", func(p *ConnectionParameters) { p.RemoteAETitle = `A\B` }, true},
		{"missing host", func(p *ConnectionParameters) { p.RemoteHost = " " }, true},
		{"zero remote port", func(p *ConnectionParameters) { p.RemotePort = 0 }, true},
		{"move port equals remote port", func(p *ConnectionParameters) { p.MovePort = 104 }, true},
		{"move port without AE", func(p *ConnectionParameters) { p.MoveAETitle = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, dicomerrors.ErrInvalidParameters) {
				t.Errorf("error should wrap ErrInvalidParameters: %v", err)
			}
		})
	}
}

func TestConnectionParameters_RemoteAddress(t *testing.T) {
	p := validParams()
	if got := p.RemoteAddress(); got != "pacs.local:104" {
		t.Errorf("RemoteAddress() = %s", got)
	}
	p.RemoteHost = "::1"
	if got := p.RemoteAddress(); got != "[::1]:104" {
		t.Errorf("RemoteAddress() = %s", got)
	}
	if !validParams().HasMoveDestination() {
		t.Error("HasMoveDestination should be true")
	}
}
