package confirmation

import (
	"log"

	restate "github.com/restatedev/sdk-go"

	"github.com/confirmline/call-confirmation-pipeline/internal/domain"
)

// Service exposes the engine as the confirm.v1.ConfirmationService virtual
// object, keyed by order id. Restate serializes invocations per order and
// makes each datastore effect durable; the conditional writes inside the
// engine keep replays and racing webhook deliveries no-ops.
type Service struct {
	engine *Engine
}

func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

// InitiateCallRequest asks for the order's confirmation call session to be
// created (or re-attempted when previously deferred).
type InitiateCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

type InitiateCallResponse struct {
	OrderID string `json:"orderId"`
	Placed  bool   `json:"placed"`
}

// InitiateCall ensures the keyed order has a call session.
func (s *Service) InitiateCall(ctx restate.ObjectContext, req InitiateCallRequest) (InitiateCallResponse, error) {
	orderID := restate.Key(ctx)
	log.Printf("[Confirmation Object %s] InitiateCall (%s)", orderID, req.Reason)

	_, err := restate.Run(ctx, func(rc restate.RunContext) (any, error) {
		order, err := s.engine.store.GetOrder(rc, orderID)
		if err != nil {
			return nil, err
		}
		return nil, s.engine.EnsureCallSession(rc, order)
	})
	if err != nil {
		return InitiateCallResponse{}, err
	}
	return InitiateCallResponse{OrderID: orderID, Placed: true}, nil
}

// HandleToolRequest wraps one in-call tool invocation.
type HandleToolRequest struct {
	CallRef string      `json:"callRef"`
	Request ToolRequest `json:"request"`
}

// HandleTool applies one tool invocation for the keyed order's call.
func (s *Service) HandleTool(ctx restate.ObjectContext, req HandleToolRequest) (ToolResult, error) {
	orderID := restate.Key(ctx)
	log.Printf("[Confirmation Object %s] HandleTool %s", orderID, req.Request.Tool)

	res, err := restate.Run(ctx, func(rc restate.RunContext) (ToolResult, error) {
		return s.engine.HandleTool(rc, req.CallRef, req.Request)
	})
	if err != nil {
		return ToolResult{}, err
	}
	return res, nil
}

// HandleUtteranceRequest wraps one scripted-flow speech event.
type HandleUtteranceRequest struct {
	CallRef   string    `json:"callRef"`
	Utterance Utterance `json:"utterance"`
}

type HandleUtteranceResponse struct {
	Step   domain.CallStep `json:"step"`
	Result ToolResult      `json:"result"`
}

// HandleUtterance advances the keyed order's scripted call by one response.
func (s *Service) HandleUtterance(ctx restate.ObjectContext, req HandleUtteranceRequest) (HandleUtteranceResponse, error) {
	orderID := restate.Key(ctx)
	log.Printf("[Confirmation Object %s] HandleUtterance on call %s", orderID, req.CallRef)

	resp, err := restate.Run(ctx, func(rc restate.RunContext) (HandleUtteranceResponse, error) {
		step, res, err := s.engine.HandleUtterance(rc, req.CallRef, req.Utterance)
		return HandleUtteranceResponse{Step: step, Result: res}, err
	})
	if err != nil {
		return HandleUtteranceResponse{}, err
	}
	return resp, nil
}

// CompleteCallRequest wraps the provider's end-of-call report.
type CompleteCallRequest struct {
	Report CallReport `json:"report"`
}

type CompleteCallResponse struct {
	OrderID string `json:"orderId"`
}

// CompleteCall records the end-of-call report for the keyed order.
func (s *Service) CompleteCall(ctx restate.ObjectContext, req CompleteCallRequest) (CompleteCallResponse, error) {
	orderID := restate.Key(ctx)
	log.Printf("[Confirmation Object %s] CompleteCall %s (%s)", orderID, req.Report.CallRef, req.Report.EndedReason)

	_, err := restate.Run(ctx, func(rc restate.RunContext) (any, error) {
		return nil, s.engine.CompleteCall(rc, req.Report)
	})
	if err != nil {
		return CompleteCallResponse{}, err
	}
	return CompleteCallResponse{OrderID: orderID}, nil
}

// Definition builds the virtual object for registration on a restate server.
func (s *Service) Definition() restate.ServiceDefinition {
	return restate.NewObject("confirm.v1.ConfirmationService").
		Handler("InitiateCall", restate.NewObjectHandler(s.InitiateCall)).
		Handler("HandleTool", restate.NewObjectHandler(s.HandleTool)).
		Handler("HandleUtterance", restate.NewObjectHandler(s.HandleUtterance)).
		Handler("CompleteCall", restate.NewObjectHandler(s.CompleteCall))
}
