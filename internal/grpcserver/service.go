package grpcserver

import (
	"context"
	"errors"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/grpcserver/mnistpb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName   = "mnist.Mnist"
	PredictMethod = "/" + ServiceName + "/Predict"
)

type MnistServer interface {
	Predict(ctx context.Context, req *mnistpb.MnistImage) (*mnistpb.MnistPrediction, error)
}

var MnistServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MnistServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler:    predictHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mnist.proto",
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(mnistpb.MnistImage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MnistServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PredictMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MnistServer).Predict(ctx, req.(*mnistpb.MnistImage))
	}
	return interceptor(ctx, in, info, handler)
}

type MnistService struct {
	engine *inference.Engine
}

func NewMnistService(engine *inference.Engine) *MnistService {
	return &MnistService{engine: engine}
}

func (s *MnistService) Predict(ctx context.Context, req *mnistpb.MnistImage) (*mnistpb.MnistPrediction, error) {
	if len(req.Data) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image data is empty")
	}

	pred, err := s.engine.PredictImage(req.Data)
	if err != nil {
		if errors.Is(err, inference.ErrInvalidImage) || errors.Is(err, inference.ErrInvalidInput) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "prediction failed: %v", err)
	}

	return &mnistpb.MnistPrediction{
		Label:         int32(pred.Digit),
		Probabilities: pred.Probabilities,
	}, nil
}
