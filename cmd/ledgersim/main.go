// Command ledgersim serves an in-memory ledger over JSON-RPC for local runs
// of the executor.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/internal/keys"
	"github.com/sharding-experiment/parallel-executor/internal/rpcclient"
	"github.com/sharding-experiment/parallel-executor/internal/simledger"
)

func main() {
	port := flag.Int("port", 9000, "JSON-RPC port")
	fundKey := flag.String("fund-key", "", "Key file whose address receives funding coins")
	fundCount := flag.Int("fund-count", 1, "Number of funding coins to mint")
	fundAmount := flag.Uint64("fund-amount", 1_000_000_000_000, "Balance of each funding coin")
	gasPrice := flag.Uint64("gas-price", 1000, "Reference gas price")
	epochDuration := flag.Duration("epoch-duration", 24*time.Hour, "Epoch length")
	executeDelay := flag.Duration("execute-delay", 0, "Artificial latency per execution")
	verify := flag.Bool("verify-signatures", true, "Reject transactions not signed by their sender")
	verbosity := flag.String("verbosity", "info", "Log level")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}
	if envKey := os.Getenv("LEDGERSIM_FUND_KEY"); envKey != "" {
		*fundKey = envKey
	}

	lvl, err := log.LvlFromString(*verbosity)
	if err != nil {
		log.Crit("Invalid log level", "level", *verbosity, "err", err)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, false)))

	cfg := simledger.DefaultConfig()
	cfg.ReferenceGasPrice = *gasPrice
	cfg.EpochDuration = *epochDuration
	cfg.ExecuteDelay = *executeDelay
	cfg.VerifySignatures = *verify
	ledger := simledger.New(cfg)

	if *fundKey != "" {
		signer, err := keys.LoadKeypair(*fundKey)
		if err != nil {
			log.Crit("Failed to load funding key", "path", *fundKey, "err", err)
		}
		for i := 0; i < *fundCount; i++ {
			ref := ledger.Mint(signer.Address(), *fundAmount)
			log.Info("Minted funding coin", "owner", signer.Address(), "coin", ref.ObjectID, "balance", *fundAmount)
		}
	}

	srv, err := rpcclient.NewServer(ledger)
	if err != nil {
		log.Crit("Failed to register ledger API", "err", err)
	}
	defer srv.Stop()

	addr := fmt.Sprintf(":%d", *port)
	log.Info("Simulated ledger listening", "addr", addr, "gasPrice", *gasPrice, "epoch", *epochDuration)
	httpSrv := &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Crit("JSON-RPC server failed", "err", err)
	}
}
