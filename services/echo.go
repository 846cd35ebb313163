// Package services provides the DIMSE service-provider handlers used by the
// move listener and the mock PACS: handler routing, C-ECHO, C-STORE into an
// object sink and response builders.
package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/types"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO is used to verify connectivity and application-level communication
// between two DICOM Application Entities (AEs). The service is stateless and
// always answers with success.
type EchoService struct {
	logger zerolog.Logger
}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService(logger *zerolog.Logger) *EchoService {
	return &EchoService{logger: log.Or(logger, "services")}
}

// HandleDIMSE processes a C-ECHO request and returns a success response.
func (s *EchoService) HandleDIMSE(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	s.logger.Debug().
		Uint16(log.FieldMessageID, msg.MessageID).
		Str(log.FieldCallingAE, meta.CallingAETitle).
		Msg("C-ECHO request")
	return NewCEchoResponse(msg, types.StatusSuccess), nil, nil
}
