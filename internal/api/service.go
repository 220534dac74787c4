// Package api exposes backtests over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"quantbt/internal/backtest"
	"quantbt/internal/config"
	"quantbt/internal/datasource"
	"quantbt/internal/store"
)

// Full method names.
const (
	ServiceName       = "quantbt.v1.BacktestService"
	RunBacktestMethod = "/" + ServiceName + "/RunBacktest"
	GetSummaryMethod  = "/" + ServiceName + "/GetSummary"
)

// BacktestServer is the server API of BacktestService.
type BacktestServer interface {
	// RunBacktest runs the backtest described by the request's "config"
	// field (a YAML backtest section; the server default when empty).
	// An optional "data_source" overrides the configured source.
	RunBacktest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// GetSummary returns the stored summary of the run named by "run_id".
	GetSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// BacktestServiceDesc describes BacktestService for grpc.Server.
var BacktestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunBacktest", Handler: unaryHandler(RunBacktestMethod, BacktestServer.RunBacktest)},
		{MethodName: "GetSummary", Handler: unaryHandler(GetSummaryMethod, BacktestServer.GetSummary)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quantbt/v1/backtest.proto",
}

// RegisterBacktestServer registers srv on s.
func RegisterBacktestServer(s grpc.ServiceRegistrar, srv BacktestServer) {
	s.RegisterService(&BacktestServiceDesc, srv)
}

func unaryHandler(fullMethod string, call func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

var _ BacktestServer = (*Service)(nil)

// Service runs backtests against the configured data sources.
type Service struct {
	cfg     *config.Config
	sources *datasource.Registry
	orders  store.OrderStore
	runs    *store.RunWriter
	logger  *slog.Logger
}

// NewService creates a Service. orders and runs may be nil to skip
// persistence.
func NewService(cfg *config.Config, sources *datasource.Registry, orders store.OrderStore, runs *store.RunWriter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		sources: sources,
		orders:  orders,
		runs:    runs,
		logger:  logger.With("component", "api"),
	}
}

// RunBacktest implements BacktestServer.
func (s *Service) RunBacktest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	b := s.cfg.Backtest
	if text := fields["config"].GetStringValue(); text != "" {
		parsed, err := config.ParseBacktest([]byte(text))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		b = *parsed
	}
	if name := fields["data_source"].GetStringValue(); name != "" {
		b.DataSource = name
	}
	src, err := s.sources.Get(b.DataSource)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	bt, err := backtest.NewFromConfig(b, src, s.orders, nil, s.logger)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Info("running backtest", "run_id", bt.RunID(), "symbols", b.Symbols, "source", b.DataSource)
	res, runErr := bt.Run(ctx)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return nil, status.FromContextError(runErr).Err()
	}

	out := map[string]any{
		"run_id": res.RunID,
		"status": string(res.Status),
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	summary, err := toJSONValue(res.Summary)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out["summary"] = summary
	errs, err := toJSONValue(res.Errors)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if errs != nil {
		out["errors"] = errs
	}

	if s.runs != nil {
		if err := backtest.WriteArtifacts(s.runs, res); err != nil {
			s.logger.Warn("writing run artifacts failed", "run_id", res.RunID, "error", err)
			out["artifacts_error"] = err.Error()
		} else {
			out["artifacts_dir"] = s.runs.RunDir(res.RunID)
		}
	}
	return newStruct(out)
}

// GetSummary implements BacktestServer.
func (s *Service) GetSummary(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID := req.GetFields()["run_id"].GetStringValue()
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	if filepath.Base(runID) != runID || runID == ".." {
		return nil, status.Errorf(codes.InvalidArgument, "invalid run_id %q", runID)
	}
	if s.runs == nil {
		return nil, status.Error(codes.Unavailable, "run artifacts are not persisted")
	}
	var summary map[string]any
	if err := s.runs.ReadSummary(runID, &summary); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "run %s not found", runID)
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return newStruct(summary)
}

// toJSONValue converts v to the plain map/slice form structpb accepts.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encoding response: %v", err))
	}
	return st, nil
}
