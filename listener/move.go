package listener

import (
	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/services"
	"github.com/caio-sobreiro/dicomqr/types"
)

// DefaultMovePort is the conventional port of the move listener.
const DefaultMovePort = 11110

// NewMoveListener builds a listener that answers C-ECHO and stores every
// pushed object into sink, tagged with the sending AE title. Only the
// Verification and storage SOP classes are negotiated.
func NewMoveListener(sink interfaces.ObjectSink, opts ...Option) *Listener {
	l := New(nil, append([]Option{
		WithName("move"),
		WithAbstractSyntaxes(acceptsPushedObject),
	}, opts...)...)

	registry := services.NewRegistry(&l.logger)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(&l.logger))
	registry.RegisterHandler(types.CStoreRQ, services.NewStoreService(sink, &l.logger))
	l.handler = registry
	return l
}

func acceptsPushedObject(uid string) bool {
	return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
}
