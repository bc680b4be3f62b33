package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/planfit-dev/planfit/internal/gateway"
)

// ErrBusy is returned when an operation arrives while another one is
// still talking to the generator. Conversations are single-flight.
var ErrBusy = errors.New("conversation is already processing")

// ErrMessageRejected is returned when the input guard flags a message.
// The message is not recorded and no model call is made.
var ErrMessageRejected = errors.New("message cannot be sent to the coach")

// ErrAtMaxMessages is returned when the interview already consumed its
// turn cap. The message is not recorded.
var ErrAtMaxMessages = errors.New("interview reached the message limit")

// ErrEmptyPreferences is returned when a conversation is started with
// no usable seed text.
var ErrEmptyPreferences = errors.New("tell the coach what you want before starting")

// FailureKind classifies why plan generation failed. Retryable kinds
// may be retried as-is; the rest need different input or configuration.
type FailureKind string

const (
	FailNetwork          FailureKind = "network_error"
	FailParsing          FailureKind = "parsing_error"
	FailValidation       FailureKind = "validation_failed"
	FailInsufficientData FailureKind = "insufficient_data"
	FailService          FailureKind = "service_error"
	FailCancelled        FailureKind = "cancelled"
	FailUnknown          FailureKind = "unknown"
)

// Retryable reports whether a fresh generation attempt with the same
// input can usefully be offered to the user.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailNetwork, FailParsing, FailService:
		return true
	}
	return false
}

// PipelineError is a classified generation failure. Message is short
// and safe to show to the user; Detail carries the raw diagnostic and
// is only ever logged.
type PipelineError struct {
	Kind    FailureKind
	Message string
	Detail  string
	// Fields lists the missing dotted paths for validation and
	// insufficient-data failures.
	Fields []string

	cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("generation failed (%s): %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

// Retryable reports whether the failure is worth retrying unchanged.
func (e *PipelineError) Retryable() bool { return e.Kind.Retryable() }

// classifyGateway maps a gateway failure into the pipeline taxonomy
// with a user-displayable message. Raw provider payloads stay in
// Detail.
func classifyGateway(err error) *PipelineError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &PipelineError{
			Kind:    FailCancelled,
			Message: "Plan generation was cancelled.",
			Detail:  err.Error(),
			cause:   err,
		}
	}

	ge, ok := gateway.AsError(err)
	if !ok {
		return &PipelineError{
			Kind:    FailUnknown,
			Message: "Something went wrong while generating your plan. Please try again.",
			Detail:  err.Error(),
			cause:   err,
		}
	}

	out := &PipelineError{Detail: ge.Error(), cause: err}
	switch ge.Code {
	case gateway.CodeNoCredential, gateway.CodeInvalidEndpoint:
		out.Kind = FailUnknown
		out.Message = "Plan generation is not configured correctly. Please contact support."
	case gateway.CodeRateLimited:
		out.Kind = FailService
		out.Message = "The plan service is busy right now. Please try again in a few minutes."
	case gateway.CodeServerError, gateway.CodeTimeout:
		out.Kind = FailService
		out.Message = "We could not reach the plan service. Please check your connection and try again."
	case gateway.CodeParseError:
		out.Kind = FailParsing
		out.Message = "The generated plan could not be read. Please try again."
	default:
		out.Kind = FailNetwork
		out.Message = "We could not reach the plan service. Please check your connection and try again."
	}
	return out
}
