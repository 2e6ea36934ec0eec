package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
const ServiceName = "psotune.v1.Scheduler"

// RPC 方法名稱
const (
	MethodAddTrial         = "AddTrial"
	MethodReportResult     = "ReportResult"
	MethodCompleteTrial    = "CompleteTrial"
	MethodRemoveTrial      = "RemoveTrial"
	MethodUpdateTrial      = "UpdateTrial"
	MethodChooseTrialToRun = "ChooseTrialToRun"
	MethodStatus           = "Status"
)

// SchedulerServer psotune.v1.Scheduler 服務介面
//
// 所有請求與回應都是 google.protobuf.Struct，欄位見各方法的說明。
type SchedulerServer interface {
	AddTrial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteTrial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveTrial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateTrial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ChooseTrialToRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(SchedulerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SchedulerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(SchedulerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc psotune.v1.Scheduler 的服務描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodAddTrial, SchedulerServer.AddTrial),
		unary(MethodReportResult, SchedulerServer.ReportResult),
		unary(MethodCompleteTrial, SchedulerServer.CompleteTrial),
		unary(MethodRemoveTrial, SchedulerServer.RemoveTrial),
		unary(MethodUpdateTrial, SchedulerServer.UpdateTrial),
		unary(MethodChooseTrialToRun, SchedulerServer.ChooseTrialToRun),
		unary(MethodStatus, SchedulerServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "psotune/v1/scheduler.proto",
}

// RegisterSchedulerServer 註冊服務
func RegisterSchedulerServer(s grpc.ServiceRegistrar, srv SchedulerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
