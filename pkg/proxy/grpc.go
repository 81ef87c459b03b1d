package proxy

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/abdhe/runpod-relay/pkg/metrics"
	"github.com/abdhe/runpod-relay/pkg/relay"
)

// ChatRelayServiceName is the fully qualified gRPC service name.
//
// The service uses well-known protobuf types so no generated code is
// needed: the request is a google.protobuf.Struct shaped like the HTTP
// body, {"messages": [{"role": ..., "content": ...}]}, and each streamed
// response is a google.protobuf.StringValue holding one text fragment.
const ChatRelayServiceName = "runpodrelay.v1.ChatRelay"

const chatMethod = "/" + ChatRelayServiceName + "/Chat"

// ChatRelayServer is the server API for the ChatRelay service.
type ChatRelayServer interface {
	Chat(*structpb.Struct, ChatRelay_ChatServer) error
}

// ChatRelay_ChatServer is the server side of a Chat stream.
type ChatRelay_ChatServer interface {
	Send(*wrapperspb.StringValue) error
	grpc.ServerStream
}

type chatRelayChatServer struct {
	grpc.ServerStream
}

func (x *chatRelayChatServer) Send(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

func chatRelayChatHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ChatRelayServer).Chat(m, &chatRelayChatServer{stream})
}

// ChatRelayServiceDesc describes the ChatRelay service to grpc.Server.
var ChatRelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatRelayServiceName,
	HandlerType: (*ChatRelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Chat",
			Handler:       chatRelayChatHandler,
			ServerStreams: true,
		},
	},
	Metadata: "runpodrelay/v1/chat_relay.proto",
}

// RegisterChatRelayServer registers srv on s.
func RegisterChatRelayServer(s grpc.ServiceRegistrar, srv ChatRelayServer) {
	s.RegisterService(&ChatRelayServiceDesc, srv)
}

// ChatRelayClient is the client API for the ChatRelay service.
type ChatRelayClient struct {
	cc grpc.ClientConnInterface
}

// NewChatRelayClient creates a client on cc.
func NewChatRelayClient(cc grpc.ClientConnInterface) *ChatRelayClient {
	return &ChatRelayClient{cc: cc}
}

// ChatRelay_ChatClient is the client side of a Chat stream.
type ChatRelay_ChatClient interface {
	Recv() (*wrapperspb.StringValue, error)
	grpc.ClientStream
}

type chatRelayChatClient struct {
	grpc.ClientStream
}

func (x *chatRelayChatClient) Recv() (*wrapperspb.StringValue, error) {
	m := new(wrapperspb.StringValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Chat opens a Chat stream for messages.
func (c *ChatRelayClient) Chat(ctx context.Context, messages []relay.ChatMessage, opts ...grpc.CallOption) (ChatRelay_ChatClient, error) {
	in, err := MessagesToStruct(messages)
	if err != nil {
		return nil, err
	}
	return c.ChatRequest(ctx, in, opts...)
}

// ChatRequest opens a Chat stream for an already encoded request.
func (c *ChatRelayClient) ChatRequest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (ChatRelay_ChatClient, error) {
	stream, err := c.cc.NewStream(ctx, &ChatRelayServiceDesc.Streams[0], chatMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &chatRelayChatClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// MessagesToStruct encodes messages as a Chat request.
func MessagesToStruct(messages []relay.ChatMessage) (*structpb.Struct, error) {
	list := make([]any, 0, len(messages))
	for _, m := range messages {
		list = append(list, map[string]any{"role": m.Role, "content": m.Content})
	}
	s, err := structpb.NewStruct(map[string]any{"messages": list})
	return s, errors.Wrap(err, "encode chat request")
}

// MessagesFromStruct decodes a Chat request. A missing messages field is an
// empty conversation.
func MessagesFromStruct(s *structpb.Struct) ([]relay.ChatMessage, error) {
	v, ok := s.GetFields()["messages"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("messages must be a list")
	}
	out := make([]relay.ChatMessage, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		obj := item.GetStructValue()
		if obj == nil {
			return nil, errors.Errorf("messages[%d] must be an object", i)
		}
		role, err := stringField(obj, "role")
		if err != nil {
			return nil, errors.Wrapf(err, "messages[%d]", i)
		}
		content, err := stringField(obj, "content")
		if err != nil {
			return nil, errors.Wrapf(err, "messages[%d]", i)
		}
		out = append(out, relay.ChatMessage{Role: role, Content: content})
	}
	return out, nil
}

// stringField reads a string field. Missing and null fields read as "".
func stringField(obj *structpb.Struct, name string) (string, error) {
	v, ok := obj.GetFields()[name]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NullValue, nil:
		return "", nil
	default:
		return "", errors.Errorf("%s must be a string", name)
	}
}

// Chat implements ChatRelayServer with the same pipeline as POST /chat.
// Fragments are sent as they arrive. A failed job still sends its error
// line, then ends the RPC with a status describing the failure.
func (h *Handler) Chat(req *structpb.Struct, stream ChatRelay_ChatServer) error {
	ctx := stream.Context()

	messages, err := MessagesFromStruct(req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("grpc", "bad_request").Inc()
		return status.Error(codes.InvalidArgument, err.Error())
	}

	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request-id"); len(v) > 0 {
			requestID = v[0]
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	s, handle, err := h.pipeline.Start(ctx, requestID, messages)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("grpc", "error").Inc()
		code, msg := codes.Internal, err.Error()
		var serr *relay.SubmissionError
		if errors.As(err, &serr) {
			code = codeForHTTPStatus(serr.Status)
		}
		return status.Error(code, msg)
	}
	defer s.Detach()
	metrics.RequestsTotal.WithLabelValues("grpc", "streaming").Inc()

	if err := stream.SendHeader(metadata.Pairs("x-request-id", requestID, "x-job-id", handle.JobID)); err != nil {
		return err
	}

	chunks := s.Chunks()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("request_id", requestID).Str("job_id", handle.JobID).Msg("client cancelled stream, job continues without a reader")
			return status.FromContextError(ctx.Err()).Err()
		case chunk, ok := <-chunks:
			if !ok {
				return pollStatus(s.Err())
			}
			if err := stream.Send(wrapperspb.String(chunk)); err != nil {
				return err
			}
		}
	}
}

func pollStatus(err error) error {
	if err == nil {
		return nil
	}
	var (
		failed  *relay.JobFailedError
		timeout *relay.TimeoutError
	)
	switch {
	case errors.As(err, &failed):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &timeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func codeForHTTPStatus(s int) codes.Code {
	switch s {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	}
	return codes.Internal
}
