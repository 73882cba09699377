package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "msgsync.v1.SyncService"

// Method names.
const (
	MethodSendMessage        = "SendMessage"
	MethodMarkAsRead         = "MarkAsRead"
	MethodGetMessages        = "GetMessages"
	MethodGetConversations   = "GetConversations"
	MethodRetryMessage       = "RetryMessage"
	MethodRetryAllFailed     = "RetryAllFailed"
	MethodSyncNow            = "SyncNow"
	MethodGetStats           = "GetStats"
	MethodGetStatus          = "GetStatus"
	MethodSetOnline          = "SetOnline"
	MethodSetBackground      = "SetBackground"
	MethodSetNetwork         = "SetNetwork"
	MethodOpenConversation   = "OpenConversation"
	MethodCloseConversation  = "CloseConversation"
	MethodSendTyping         = "SendTyping"
	MethodSearchMessages     = "SearchMessages"
	MethodDeleteMessage      = "DeleteMessage"
	MethodDeleteConversation = "DeleteConversation"
	MethodClearAllData       = "ClearAllData"
	MethodWatchEvents        = "WatchEvents"
)

// FullMethod returns the RPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryFunc func(s *Service, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Service).WatchEvents(in, stream)
}

// ServiceDesc describes SyncService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSendMessage, (*Service).SendMessage),
		unary(MethodMarkAsRead, (*Service).MarkAsRead),
		unary(MethodGetMessages, (*Service).GetMessages),
		unary(MethodGetConversations, (*Service).GetConversations),
		unary(MethodRetryMessage, (*Service).RetryMessage),
		unary(MethodRetryAllFailed, (*Service).RetryAllFailed),
		unary(MethodSyncNow, (*Service).SyncNow),
		unary(MethodGetStats, (*Service).GetStats),
		unary(MethodGetStatus, (*Service).GetStatus),
		unary(MethodSetOnline, (*Service).SetOnline),
		unary(MethodSetBackground, (*Service).SetBackground),
		unary(MethodSetNetwork, (*Service).SetNetwork),
		unary(MethodOpenConversation, (*Service).OpenConversation),
		unary(MethodCloseConversation, (*Service).CloseConversation),
		unary(MethodSendTyping, (*Service).SendTyping),
		unary(MethodSearchMessages, (*Service).SearchMessages),
		unary(MethodDeleteMessage, (*Service).DeleteMessage),
		unary(MethodDeleteConversation, (*Service).DeleteConversation),
		unary(MethodClearAllData, (*Service).ClearAllData),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    MethodWatchEvents,
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "msgsync/v1/sync.proto",
}

// Register attaches s to srv.
func Register(srv *grpc.Server, s *Service) {
	srv.RegisterService(&ServiceDesc, s)
}
