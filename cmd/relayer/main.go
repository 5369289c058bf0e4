package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/0g-lottery-relayer/internal/api"
	"github.com/0gfoundation/0g-lottery-relayer/internal/auth"
	"github.com/0gfoundation/0g-lottery-relayer/internal/chain"
	"github.com/0gfoundation/0g-lottery-relayer/internal/config"
	"github.com/0gfoundation/0g-lottery-relayer/internal/keys"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ledger"
	"github.com/0gfoundation/0g-lottery-relayer/internal/lock"
	"github.com/0gfoundation/0g-lottery-relayer/internal/nonce"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ratelimit"
	"github.com/0gfoundation/0g-lottery-relayer/internal/reimburse"
	"github.com/0gfoundation/0g-lottery-relayer/internal/relay"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Shared stores (Redis or in-process) ───────────────────────────────────
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	// ── Chain client (relayer key + lottery ABI) ──────────────────────────────
	account, err := keys.Load(ctx, cfg.Relayer)
	if err != nil {
		log.Fatal("relayer key load failed", zap.Error(err))
	}
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatal("rpc dial failed", zap.Error(err))
	}
	defer eth.Close()

	onchain := chain.NewClient(eth, account, chainOptions(cfg), log)
	log.Info("relayer account loaded", zap.String("address", account.Address.Hex()))

	// ── Nonce manager (initial sync before accepting traffic) ─────────────────
	nonces := nonce.NewManager(onchain, log)
	syncCtx, syncCancel := context.WithTimeout(ctx, 30*time.Second)
	err = nonces.Sync(syncCtx)
	syncCancel()
	if err != nil {
		log.Fatal("initial nonce sync failed", zap.Error(err))
	}

	// ── Relay service ─────────────────────────────────────────────────────────
	minBalance, _ := config.ParseWei(cfg.Chain.MinRelayerBalanceWei)
	svc := relay.NewService(relay.Config{
		Domain:            domain(cfg),
		Policy:            policy(cfg),
		LockTTL:           time.Duration(cfg.Limits.LockTTLSec) * time.Second,
		MinRelayerBalance: minBalance,
	}, relay.Deps{
		SignerLimiter: st.signerLimiter,
		IPLimiter:     st.ipLimiter,
		Locker:        st.locker,
		Chain:         onchain,
		Nonces:        nonces,
		Ledger:        st.ledger,
	}, log)

	// ── Reimbursement reconciler ──────────────────────────────────────────────
	threshold, _ := config.ParseWei(cfg.Reimburse.ThresholdWei)
	reconciler := reimburse.NewReconciler(onchain, nonces, st.ledger, threshold, log)
	if cfg.Reimburse.IntervalSec > 0 {
		go reconciler.Run(ctx, time.Duration(cfg.Reimburse.IntervalSec)*time.Second)
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal("grpc listen failed", zap.Error(err))
	}
	grpcSrv := newHealthServer(ctx, func(ctx context.Context) error {
		_, err := onchain.ConfirmedNonce(ctx)
		return err
	}, 15*time.Second, log)
	go func() {
		log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r, err := api.NewRouter(cfg.Server.ProxyList())
	if err != nil {
		log.Fatal("router init failed", zap.Error(err))
	}
	var cronAuth gin.HandlerFunc
	if ops := cfg.Reimburse.OperatorList(); len(ops) > 0 {
		cronAuth = auth.OperatorMiddleware(st.operatorNonces, ops)
	} else {
		cronAuth = func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no operators configured"})
		}
	}
	api.NewHandler(svc, reconciler, cronAuth, log).Register(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")

	// In-flight purchases hold a lock for at most LockTTL; give them that long.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Limits.LockTTLSec)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()
	grpcSrv.GracefulStop()
	log.Info("shutdown complete")
}

// stores groups the collaborators that are shared across replicas when Redis
// and Postgres are configured, and process-local otherwise.
type stores struct {
	signerLimiter  ratelimit.Limiter
	ipLimiter      ratelimit.Limiter
	locker         lock.Locker
	operatorNonces auth.NonceCache
	ledger         ledger.Ledger

	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	window := time.Duration(cfg.Limits.WindowSec) * time.Second
	st := &stores{}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close() //nolint:errcheck
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		st.closers = append(st.closers, func() { _ = rdb.Close() })
		st.signerLimiter = ratelimit.NewRedis(rdb, cfg.Limits.MaxRequests, window)
		if cfg.Limits.IPMaxRequests > 0 {
			st.ipLimiter = ratelimit.NewRedis(rdb, cfg.Limits.IPMaxRequests, window)
		}
		st.locker = lock.NewRedis(rdb)
		st.operatorNonces = auth.NewRedisNonceCache(rdb)
	} else {
		log.Warn("redis disabled: locks and rate limits are local to this process")
		st.signerLimiter = ratelimit.NewMemory(cfg.Limits.MaxRequests, window)
		if cfg.Limits.IPMaxRequests > 0 {
			st.ipLimiter = ratelimit.NewMemory(cfg.Limits.IPMaxRequests, window)
		}
		st.locker = lock.NewMemory()
		st.operatorNonces = auth.NewMemoryNonceCache()
	}

	if cfg.Postgres.DSN != "" {
		pg, err := ledger.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("ledger: %w", err)
		}
		st.closers = append(st.closers, pg.Close)
		st.ledger = pg
	} else {
		log.Warn("DATABASE_URL not set: ticket ledger is in memory")
		st.ledger = ledger.NewMemory()
	}
	return st, nil
}

func chainOptions(cfg *config.Config) chain.Options {
	return chain.Options{
		ChainID:        bigChainID(cfg),
		Contract:       common.HexToAddress(cfg.Chain.ContractAddress),
		ConfirmTimeout: time.Duration(cfg.Chain.ConfirmTimeoutSec) * time.Second,
		GasLimitPct:    cfg.Chain.GasLimitMultiplier,
	}
}

func bigChainID(cfg *config.Config) *big.Int {
	return big.NewInt(cfg.Chain.ChainID)
}

func domain(cfg *config.Config) ticket.Domain {
	return ticket.Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           bigChainID(cfg),
		VerifyingContract: common.HexToAddress(cfg.Chain.ContractAddress),
	}
}

func policy(cfg *config.Config) ticket.Policy {
	return ticket.Policy{
		MainMin:     cfg.Ticket.MainMin,
		MainMax:     cfg.Ticket.MainMax,
		PowerMin:    cfg.Ticket.PowerMin,
		PowerMax:    cfg.Ticket.PowerMax,
		MaxDeadline: time.Duration(cfg.Ticket.MaxDeadlineSec) * time.Second,
	}
}

// newHealthServer returns a gRPC server exposing grpc.health.v1. The overall
// status follows probe, re-run every interval until ctx is done.
func newHealthServer(ctx context.Context, probe func(context.Context) error, interval time.Duration, log *zap.Logger) *grpc.Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := probe(pctx); err != nil {
			log.Warn("health probe failed", zap.Error(err))
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	check()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				check()
			case <-ctx.Done():
				hs.Shutdown()
				return
			}
		}
	}()
	return srv
}
