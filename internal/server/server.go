package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🌐 指标端点服务器
// =============================================================================

const (
	defaultAddr            = ":9091"
	defaultShutdownTimeout = 5 * time.Second
	readyCheckTimeout      = 2 * time.Second
)

// ReadyCheck 就绪探针，返回 nil 表示依赖可用
type ReadyCheck func(ctx context.Context) error

// Option 配置 MetricsServer
type Option func(*MetricsServer)

// WithReadyCheck 注册 /readyz 探针，例如运行存储的 Ping
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *MetricsServer) { s.checks[name] = check }
}

// WithShutdownTimeout 设置优雅关闭超时
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *MetricsServer) { s.shutdownTimeout = d }
}

// MetricsServer 暴露 /metrics、/healthz 与 /readyz
type MetricsServer struct {
	addr            string
	shutdownTimeout time.Duration
	checks          map[string]ReadyCheck
	logger          *zap.Logger

	http     *http.Server
	listener net.Listener
	errCh    chan error

	mu     sync.RWMutex
	closed bool
}

// New 创建指标服务器。gatherer 为 nil 时使用默认 Registry，addr 为空时监听 :9091。
func New(addr string, gatherer prometheus.Gatherer, logger *zap.Logger, opts ...Option) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if addr == "" {
		addr = defaultAddr
	}
	s := &MetricsServer{
		addr:            addr,
		shutdownTimeout: defaultShutdownTimeout,
		checks:          make(map[string]ReadyCheck),
		logger:          logger.With(zap.String("component", "metrics_server")),
		errCh:           make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// handleReady 依次执行探针，任一失败返回 503 并列出失败项
func (s *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	status := http.StatusOK
	body := ""
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			body += fmt.Sprintf("%s: %v\n", name, err)
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
		}
	}
	if body == "" {
		body = "ok"
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// Start 非阻塞启动
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("metrics server is closed")
	}
	if s.listener != nil {
		return errors.New("metrics server already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.Info("metrics server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 优雅关闭；重复调用无副作用
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	s.logger.Info("metrics server stopped")
	return nil
}

// Hold 阻塞直到收到 SIGINT/SIGTERM、服务出错或 ctx 结束，然后关闭服务
func (s *MetricsServer) Hold(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.errCh:
		s.logger.Error("metrics server exited", zap.Error(err))
	case <-ctx.Done():
	}

	if err := s.Shutdown(context.Background()); err != nil {
		s.logger.Error("shutdown error", zap.Error(err))
	}
}

// Addr 返回监听地址；启动后为实际绑定的地址
func (s *MetricsServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Running 报告服务是否已启动且未关闭
func (s *MetricsServer) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil && !s.closed
}
