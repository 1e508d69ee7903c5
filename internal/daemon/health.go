package daemon

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the daemon.
const ServiceName = "transguard.Verifier"

// Health exposes the standard gRPC health service. The daemon reports
// SERVING while its inbox watcher is running.
type Health struct {
	grpcServer *grpc.Server
	health     *health.Server
}

func NewHealth() *Health {
	h := &Health{grpcServer: grpc.NewServer(), health: health.NewServer()}
	healthpb.RegisterHealthServer(h.grpcServer, h.health)
	h.SetServing(false)
	return h
}

// ServeOn blocks serving on lis until Stop.
func (h *Health) ServeOn(lis net.Listener) error {
	return h.grpcServer.Serve(lis)
}

func (h *Health) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and drains the server.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.grpcServer.GracefulStop()
}
