package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"gorm.io/gorm"

	"github.com/horizoncircle/circle-recon/src/chain"
	"github.com/horizoncircle/circle-recon/src/recon/config"
	"github.com/horizoncircle/circle-recon/src/recon/data"
	"github.com/horizoncircle/circle-recon/src/recon/discovery"
	"github.com/horizoncircle/circle-recon/src/recon/pipeline"
	"github.com/horizoncircle/circle-recon/src/recon/resolver"
	"github.com/horizoncircle/circle-recon/src/recon/scanner"
	"github.com/horizoncircle/circle-recon/src/recon/types"
	"github.com/horizoncircle/circle-recon/src/recon/webserver"
)

var allModels = []interface{}{
	&types.RequestSnapshot{}, &types.ResponseRecord{}, &types.TrackedUser{},
}

func migrate(db *gorm.DB) {
	if err := db.AutoMigrate(allModels...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func main() {
	cfg := config.Load()

	if !common.IsHexAddress(cfg.RegistryAddress) {
		log.Fatalf("invalid REGISTRY_ADDRESS %q", cfg.RegistryAddress)
	}

	db := data.MustMySQL(cfg.MySQLDSN)
	migrate(db)

	rdb := data.MustRedis(cfg.RedisURL)

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		log.Fatalf("rpc: %v", err)
	}

	gw := chain.NewGateway(eth, cfg.RequestSpacing, cfg.InitialBackoff, cfg.MaxRetries)
	defer gw.Close()

	reader := chain.NewReader(gw)
	writer, err := chain.NewWriter(gw, cfg.OperatorKey, cfg.ChainID)
	if err != nil {
		log.Fatalf("writer: %v", err)
	}

	cache := discovery.NewCache(rdb, cfg.CacheTTL, cfg.MaxBlockDrift)
	disc := discovery.NewDiscoverer(gw, reader, cache, common.HexToAddress(cfg.RegistryAddress), cfg.RegistryDeployBlock)

	pipe := pipeline.New(db, rdb, cache, disc, scanner.New(gw), reader, resolver.New(reader), writer, cfg.RefreshInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go pipe.StartAutoRefresh(ctx)

	router := webserver.New(cfg, rdb, pipe)
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("HorizonCircle recon listening on %s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
}
