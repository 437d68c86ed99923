package health

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	srv := New()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, grpc_health_v1.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client grpc_health_v1.HealthClient) grpc_health_v1.HealthCheckResponse_ServingStatus {
	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{
		Service: ServiceName,
	})
	require.NoError(t, err)
	return resp.Status
}

func TestRegister(t *testing.T) {
	srv := New()
	defer srv.Stop()

	// Verify the health service was registered by checking service info
	info := srv.grpc.GetServiceInfo()
	_, ok := info["grpc.health.v1.Health"]
	require.True(t, ok, "health service should be registered")
}

func TestNotServingByDefault(t *testing.T) {
	_, client := startHealthServer(t)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus(t, client))
}

func TestSetServingThenNotServing(t *testing.T) {
	srv, client := startHealthServer(t)

	// Start serving
	srv.SetServing()
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, client))

	// Then stop serving
	srv.SetNotServing()
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, checkStatus(t, client))

	// Then start serving again
	srv.SetServing()
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, checkStatus(t, client))
}

func TestServiceName(t *testing.T) {
	// Verify the service name constant is as expected
	require.Equal(t, "imgvault.BlobService", ServiceName)
}
