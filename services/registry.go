package services

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caio-sobreiro/dicomqr/interfaces"
	"github.com/caio-sobreiro/dicomqr/log"
	"github.com/caio-sobreiro/dicomqr/types"
)

// StatusUnrecognizedOperation is returned for commands without a handler.
const StatusUnrecognizedOperation = 0x0211

// Registry manages DICOM service handlers and routes incoming DIMSE messages.
//
// The registry acts as a dispatcher, routing DIMSE messages to the appropriate
// service handler based on the command field. It supports both single-response
// and streaming (multi-response) operations, and it is what a listener hands
// to the DIMSE layer of every association it accepts.
//
// Example usage:
//
//	registry := services.NewRegistry(nil)
//	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(nil))
//	registry.RegisterHandler(types.CStoreRQ, services.NewStoreService(sink, nil))
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]interfaces.ServiceHandler
	logger   zerolog.Logger
}

// NewRegistry creates a new service registry.
//
// Returns an empty registry. Use RegisterHandler to add service handlers.
func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[uint16]interfaces.ServiceHandler),
		logger:   log.Or(logger, "services"),
	}
}

// RegisterHandler registers a service handler for a specific DIMSE command.
//
// Only one handler can be registered per command field; calling
// RegisterHandler again with the same command replaces the previous handler.
func (r *Registry) RegisterHandler(commandField uint16, handler interfaces.ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandField] = handler
}

// UnregisterHandler removes a service handler for a specific DIMSE command.
//
// After unregistering, messages with this command field are answered with
// an "unrecognized operation" status.
func (r *Registry) UnregisterHandler(commandField uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, commandField)
}

func (r *Registry) lookup(commandField uint16) (interfaces.ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[commandField]
	return h, ok
}

// HandleDIMSE routes DIMSE messages to the appropriate service handler.
//
// This method provides the single-response interface for DIMSE operations.
// A command without a handler is answered with StatusUnrecognizedOperation
// instead of failing the association.
func (r *Registry) HandleDIMSE(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte) (*types.Message, []byte, error) {
	handler, ok := r.lookup(msg.CommandField)
	if !ok {
		r.unsupported(meta, msg)
		return CreateErrorResponse(msg, StatusUnrecognizedOperation), nil, nil
	}
	return handler.HandleDIMSE(ctx, meta, msg, data)
}

// HandleDIMSEStreaming routes streaming DIMSE messages to appropriate service handlers.
//
// If the registered handler implements interfaces.StreamingServiceHandler, it
// receives the responder directly. Otherwise the registry falls back to
// HandleDIMSE and sends its single response.
func (r *Registry) HandleDIMSEStreaming(ctx context.Context, meta interfaces.MessageContext, msg *types.Message, data []byte, responder interfaces.ResponseSender) error {
	handler, ok := r.lookup(msg.CommandField)
	if !ok {
		r.unsupported(meta, msg)
		return responder.SendResponse(CreateErrorResponse(msg, StatusUnrecognizedOperation), nil)
	}

	if streamingHandler, ok := handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, meta, msg, data, responder)
	}

	responseMsg, responseData, err := handler.HandleDIMSE(ctx, meta, msg, data)
	if err != nil {
		return err
	}
	return responder.SendResponse(responseMsg, responseData)
}

func (r *Registry) unsupported(meta interfaces.MessageContext, msg *types.Message) {
	r.logger.Warn().
		Str(log.FieldCommand, types.CommandName(msg.CommandField)).
		Str(log.FieldCallingAE, meta.CallingAETitle).
		Msg("No handler registered for DIMSE command")
}

// HasHandler returns true if a handler is registered for the given command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	_, ok := r.lookup(commandField)
	return ok
}

// RegisteredCommands returns the command fields that have handlers, sorted.
func (r *Registry) RegisteredCommands() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i] < commands[j] })
	return commands
}

// CreateErrorResponse creates a standard DIMSE error response message.
//
// The response carries the response command for the request, the message
// ID being responded to and the given status.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}
