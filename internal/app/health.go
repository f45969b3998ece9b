package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

// chainHealthService 链 RPC 在 gRPC 健康检查中的服务名
const chainHealthService = "blockchain"

const (
	chainHealthInterval = 30 * time.Second
	chainHealthTimeout  = 10 * time.Second
)

type chainHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// reportChainHealth 探测一次链 RPC 并更新健康状态
func reportChainHealth(ctx context.Context, hs *health.Server, checker chainHealthChecker) {
	ctx, cancel := context.WithTimeout(ctx, chainHealthTimeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := checker.HealthCheck(ctx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		logger.Warn("blockchain health check failed", zap.Error(err))
	}
	hs.SetServingStatus(chainHealthService, status)
}

// monitorChainHealth 周期探测, ctx 取消后退出
func monitorChainHealth(ctx context.Context, hs *health.Server, checker chainHealthChecker, interval time.Duration) {
	reportChainHealth(ctx, hs, checker)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reportChainHealth(ctx, hs, checker)
		}
	}
}
