package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthService is the service name reported by the health endpoint.
const healthService = "netpolicy"

// admin serves the health and metrics endpoints.
type admin struct {
	config AdminConfig
	logger *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	mu       sync.Mutex
	running  bool
	grpcAddr net.Addr
	httpAddr net.Addr
	wg       sync.WaitGroup
}

func newAdmin(config AdminConfig, metrics *Metrics, logger *zap.Logger) *admin {
	a := &admin{
		config: config,
		logger: logger.Named("admin"),
		health: health.NewServer(),
	}
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(a.unaryInterceptor))
	healthpb.RegisterHealthServer(a.grpcServer, a.health)
	reflection.Register(a.grpcServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	a.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return a
}

func (a *admin) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	if a.config.GRPCAddr != "" {
		ln, err := net.Listen("tcp", a.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.config.GRPCAddr, err)
		}
		a.grpcAddr = ln.Addr()
		a.logger.Info("starting gRPC health server", zap.Stringer("addr", ln.Addr()))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.grpcServer.Serve(ln); err != nil {
				a.logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	if a.config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", a.config.MetricsAddr)
		if err != nil {
			a.grpcServer.Stop()
			return fmt.Errorf("failed to listen on %s: %w", a.config.MetricsAddr, err)
		}
		a.httpAddr = ln.Addr()
		a.logger.Info("starting metrics server", zap.Stringer("addr", ln.Addr()))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	a.running = true
	return nil
}

// Addrs returns the bound gRPC and metrics addresses, nil when disabled.
func (a *admin) Addrs() (grpcAddr, httpAddr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grpcAddr, a.httpAddr
}

// SetServing reports whether the runtime is serving.
func (a *admin) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.health.SetServingStatus(healthService, status)
}

func (a *admin) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.health.Shutdown()
	a.grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.httpServer.Shutdown(ctx)
	a.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}

func (a *admin) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	a.logger.Debug("gRPC request",
		zap.String("method", info.FullMethod),
	)

	resp, err := handler(ctx, req)
	if err != nil {
		a.logger.Error("gRPC error",
			zap.String("method", info.FullMethod),
			zap.Error(err),
		)
	}

	return resp, err
}
