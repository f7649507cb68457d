package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel/attribute"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/services"
	apperrors "sfusignal/pkg/errors"
	rlog "sfusignal/pkg/logger"
	"sfusignal/pkg/tracing"
)

// Method names of the signaling protocol.
const (
	MethodGetRtpCapabilities    = "getRtpCapabilities"
	MethodCreateWebRtcTransport = "createWebRtcTransport"
	MethodTransportConnect      = "transport-connect"
	MethodTransportProduce      = "transport-produce"
	MethodTransportRecvConnect  = "transport-recv-connect"
	MethodConsume               = "consume"
	MethodConsumerResume        = "consumer-resume"
	MethodConsumerPause         = "consumer-pause"
	MethodProducerClose         = "producer-close"
	MethodGetProducers          = "getProducers"
)

type methodFunc func(ctx context.Context, s *services.Session, params *json.RawMessage) (interface{}, error)

var methods = map[string]methodFunc{
	MethodGetRtpCapabilities:    getRtpCapabilities,
	MethodCreateWebRtcTransport: createWebRtcTransport,
	MethodTransportConnect:      connectTransport(domain.RoleSend),
	MethodTransportRecvConnect:  connectTransport(domain.RoleRecv),
	MethodTransportProduce:      produce,
	MethodConsume:               consume,
	MethodConsumerResume:        resumeConsumer,
	MethodConsumerPause:         pauseConsumer,
	MethodProducerClose:         closeProducer,
	MethodGetProducers:          getProducers,
}

// ErrorBody is the in-band error reported inside a result.
type ErrorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// failure marks an error whose body is nested under "params".
type failure struct {
	err    error
	nested bool
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func nested(err error) error {
	return &failure{err: err, nested: true}
}

func errorBody(err error) ErrorBody {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return ErrorBody{Error: "internal error", Code: string(apperrors.ErrCodeInternal), Detail: err.Error()}
	}
	body := ErrorBody{Error: appErr.Message, Code: string(appErr.Code)}
	if appErr.Cause != nil {
		body.Detail = appErr.Cause.Error()
	}
	return body
}

func invalidParams(err error) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
}

func decode(params *json.RawMessage, v interface{}) error {
	if params == nil {
		return invalidParams(fmt.Errorf("params required"))
	}
	if err := json.Unmarshal(*params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

// handle runs one request. Request failures are reported in the result so
// the client callback always receives a body; only malformed requests get
// a JSON-RPC error.
func (p *peer) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	start := time.Now()
	sid := string(p.session.ID())
	ctx = rlog.WithSessionID(ctx, sid)
	ctx = rlog.WithRequestID(ctx, req.ID.String())
	ctx, span := tracing.TraceSignalRequest(ctx, req.Method, sid)
	defer span.End()
	ctx = rlog.WithTraceID(ctx, tracing.TraceID(ctx))

	result, err := p.dispatch(ctx, req)

	code := "OK"
	label := req.Method
	if _, known := methods[req.Method]; !known {
		label = "unknown"
	}
	switch e := err.(type) {
	case nil:
	case *jsonrpc2.Error:
		code = fmt.Sprintf("RPC%d", e.Code)
		tracing.RecordError(ctx, err)
	case *failure:
		body := errorBody(e.err)
		code = body.Code
		if e.nested {
			result = map[string]interface{}{"params": body}
		} else {
			result = body
		}
		err = nil
		tracing.RecordError(ctx, e.err)
	default:
		body := errorBody(e)
		code = body.Code
		result = body
		err = nil
		tracing.RecordError(ctx, e)
	}

	elapsed := time.Since(start)
	tracing.AddSpanAttributes(ctx, attribute.String("signal.result", code))
	if p.server.metrics != nil {
		p.server.metrics.ObserveRequest(label, code, elapsed)
	}
	p.server.ctxLogger.LogRequest(ctx, req.Method, code, elapsed)
	return result, err
}

func (p *peer) dispatch(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	if !p.limiter.Allow() {
		return nil, apperrors.NewRateLimitError()
	}
	m, ok := methods[req.Method]
	if !ok {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return m(ctx, p.session, req.Params)
}

func getRtpCapabilities(ctx context.Context, s *services.Session, _ *json.RawMessage) (interface{}, error) {
	caps, err := s.GetRtpCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"rtpCapabilities": caps}, nil
}

type createTransportParams struct {
	Sender *bool `json:"sender"`
}

func createWebRtcTransport(ctx context.Context, s *services.Session, raw *json.RawMessage) (interface{}, error) {
	var in createTransportParams
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if in.Sender == nil {
		return nil, invalidParams(fmt.Errorf("sender is required"))
	}
	params, err := s.CreateWebRtcTransport(ctx, domain.RoleFromSender(*in.Sender))
	if err != nil {
		return nil, nested(err)
	}
	return map[string]interface{}{"params": params}, nil
}

type connectParams struct {
	DtlsParameters *domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters  `json:"iceParameters,omitempty"`
}

func connectTransport(role domain.TransportRole) methodFunc {
	return func(ctx context.Context, s *services.Session, raw *json.RawMessage) (interface{}, error) {
		var in connectParams
		if err := decode(raw, &in); err != nil {
			return nil, err
		}
		if in.DtlsParameters == nil {
			return nil, invalidParams(fmt.Errorf("dtlsParameters is required"))
		}
		if err := s.ConnectTransport(ctx, role, *in.DtlsParameters, in.IceParameters); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}
}

type produceParams struct {
	Kind          domain.MediaKind       `json:"kind"`
	RtpParameters *domain.RtpParameters  `json:"rtpParameters"`
	AppData       map[string]interface{} `json:"appData,omitempty"`
}

func produce(ctx context.Context, s *services.Session, raw *json.RawMessage) (interface{}, error) {
	var in produceParams
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if in.RtpParameters == nil {
		return nil, invalidParams(fmt.Errorf("rtpParameters is required"))
	}
	id, err := s.Produce(ctx, in.Kind, *in.RtpParameters, in.AppData)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id}, nil
}

type consumeParams struct {
	RtpCapabilities *domain.RtpCapabilities `json:"rtpCapabilities"`
	ProducerID      domain.ProducerID       `json:"producerId,omitempty"`
}

func consume(ctx context.Context, s *services.Session, raw *json.RawMessage) (interface{}, error) {
	var in consumeParams
	if err := decode(raw, &in); err != nil {
		return nil, err
	}
	if in.RtpCapabilities == nil {
		return nil, invalidParams(fmt.Errorf("rtpCapabilities is required"))
	}
	params, err := s.Consume(ctx, *in.RtpCapabilities, in.ProducerID)
	if err != nil {
		return nil, nested(err)
	}
	return map[string]interface{}{"params": params}, nil
}

func resumeConsumer(ctx context.Context, s *services.Session, _ *json.RawMessage) (interface{}, error) {
	if err := s.ResumeConsumer(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func pauseConsumer(ctx context.Context, s *services.Session, _ *json.RawMessage) (interface{}, error) {
	if err := s.PauseConsumer(ctx); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func closeProducer(_ context.Context, s *services.Session, _ *json.RawMessage) (interface{}, error) {
	if err := s.CloseProducer(); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func getProducers(_ context.Context, s *services.Session, _ *json.RawMessage) (interface{}, error) {
	ids := s.GetProducers()
	if ids == nil {
		ids = []domain.ProducerID{}
	}
	return map[string]interface{}{"producerIds": ids}, nil
}
