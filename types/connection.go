package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
)

// Port defaults used when a deployment does not say otherwise.
const (
	DefaultRemotePort = 104
	DefaultMovePort   = 11110
	MaxAETitleLength  = 16
)

// ConnectionParameters identifies the local application entity, the remote
// PACS and, optionally, the move destination the PACS pushes back to.
type ConnectionParameters struct {
	LocalAETitle  string
	RemoteHost    string
	RemotePort    uint16
	RemoteAETitle string

	// Optional; empty / zero means absent.
	MoveAETitle string
	MovePort    uint16
}

// HasMoveDestination reports whether both move fields are set.
func (p ConnectionParameters) HasMoveDestination() bool {
	return p.MoveAETitle != "" && p.MovePort != 0
}

// RemoteAddress returns host:port for dialing.
func (p ConnectionParameters) RemoteAddress() string {
	return net.JoinHostPort(p.RemoteHost, strconv.Itoa(int(p.RemotePort)))
}

// Validate checks the invariants of the parameter set.
func (p ConnectionParameters) Validate() error {
	if err := ValidateAETitle(p.LocalAETitle); err != nil {
		return fmt.Errorf("%w: local AE title: %v", dicomerrors.ErrInvalidParameters, err)
	}
	if err := ValidateAETitle(p.RemoteAETitle); err != nil {
		return fmt.Errorf("%w: remote AE title: %v", dicomerrors.ErrInvalidParameters, err)
	}
	if strings.TrimSpace(p.RemoteHost) == "" {
		return fmt.Errorf("%w: remote host is required", dicomerrors.ErrInvalidParameters)
	}
	if p.RemotePort == 0 {
		return fmt.Errorf("%w: remote port must be nonzero", dicomerrors.ErrInvalidParameters)
	}
	if p.MoveAETitle != "" {
		if err := ValidateAETitle(p.MoveAETitle); err != nil {
			return fmt.Errorf("%w: move AE title: %v", dicomerrors.ErrInvalidParameters, err)
		}
	}
	if p.MovePort != 0 {
		if p.MoveAETitle == "" {
			return fmt.Errorf("%w: move port set without a move AE title", dicomerrors.ErrInvalidParameters)
		}
		if p.MovePort == p.RemotePort {
			return fmt.Errorf("%w: move port %d collides with remote port", dicomerrors.ErrInvalidParameters, p.MovePort)
		}
	}
	return nil
}

// ValidateAETitle enforces the AE title value representation: 1 to 16
// characters, no backslash and no control characters.
func ValidateAETitle(ae string) error {
	trimmed := strings.TrimSpace(ae)
	if trimmed == "" {
		return fmt.Errorf("empty")
	}
	if len(ae) > MaxAETitleLength {
		return fmt.Errorf("%q exceeds %d characters", ae, MaxAETitleLength)
	}
	for _, r := range ae {
		if r == '\\' || r < 0x20 || r > 0x7e {
			return fmt.Errorf("%q contains an invalid character", ae)
		}
	}
	return nil
}
