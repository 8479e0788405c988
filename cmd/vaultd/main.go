// Package main contains the entrypoint of the vault daemon. It restores
// the persisted state, prepares the node's watch-only wallets, and runs
// the poller, the hub and the control server until one of them stops.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/bitcoind"
	"github.com/vaultcustody/vaultd/internal/bitcoind/rpc"
	"github.com/vaultcustody/vaultd/internal/clock"
	"github.com/vaultcustody/vaultd/internal/control"
	"github.com/vaultcustody/vaultd/internal/hub"
	"github.com/vaultcustody/vaultd/internal/metrics"
	"github.com/vaultcustody/vaultd/internal/poller"
	"github.com/vaultcustody/vaultd/internal/store"
	"github.com/vaultcustody/vaultd/internal/vault"
)

type config struct {
	DataDir          string        `long:"data-dir" env:"VAULTD_DATA_DIR" description:"directory for the daemon state" default:"~/.vaultd"`
	Network          string        `long:"network" env:"VAULTD_NETWORK" description:"bitcoin network (mainnet, testnet, regtest)" default:"mainnet"`
	ControlAddr      string        `long:"control-addr" env:"VAULTD_CONTROL_ADDR" description:"address of the control server" default:"127.0.0.1:8780"`
	BitcoindAddr     string        `long:"bitcoind-addr" env:"VAULTD_BITCOIND_ADDR" description:"bitcoind RPC host:port" default:"127.0.0.1:8332"`
	CookiePath       string        `long:"cookie-path" env:"VAULTD_COOKIE_PATH" description:"path to the bitcoind cookie file" required:"true"`
	WatchonlyWallet  string        `long:"watchonly-wallet" env:"VAULTD_WATCHONLY_WALLET" description:"name of the watch-only wallet" default:"vaultd-watchonly"`
	CPFPWallet       string        `long:"cpfp-wallet" env:"VAULTD_CPFP_WALLET" description:"name of the fee-bumping wallet" default:"vaultd-cpfp"`
	DepositDescs     []string      `long:"deposit-descriptor" env:"VAULTD_DEPOSIT_DESCRIPTORS" env-delim:"," description:"deposit address descriptors" required:"true"`
	UnvaultDescs     []string      `long:"unvault-descriptor" env:"VAULTD_UNVAULT_DESCRIPTORS" env-delim:"," description:"unvault address descriptors" required:"true"`
	CPFPDesc         string        `long:"cpfp-descriptor" env:"VAULTD_CPFP_DESCRIPTOR" description:"fee-bumping wallet descriptor"`
	PollInterval     time.Duration `long:"poll-interval" env:"VAULTD_POLL_INTERVAL" description:"interval between reconciliation passes" default:"30s"`
	MinConfirmations int32         `long:"min-confirmations" env:"VAULTD_MIN_CONFIRMATIONS" description:"confirmations before a deposit is considered funded" default:"6"`
	RPCRate          int           `long:"rpc-rate" env:"VAULTD_RPC_RATE" description:"max node RPC requests per second" default:"50"`
}

func main() {
	cfg := config{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if _, err := flags.ParseArgs(&cfg, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		logger.Fatal("failed to parse flags", zap.Error(err))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("vaultd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	params, err := networkParams(cfg.Network)
	if err != nil {
		return err
	}

	db, err := store.Open(filepath.Join(expandHome(cfg.DataDir), cfg.Network, "vaultd_db"))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", zap.Error(err))
		}
	}()

	tip, err := db.LoadTip()
	if err != nil {
		return err
	}
	vaults, err := db.LoadVaults()
	if err != nil {
		return err
	}
	state := vault.NewState(params, logger)
	state.Restore(tip, vaults)
	logger.Info("restored state",
		zap.Int32("tip_height", tip.Height), zap.Int("vaults", len(vaults)))

	rpcClient, err := rpc.New(rpc.Config{
		Addr:                cfg.BitcoindAddr,
		CookiePath:          cfg.CookiePath,
		WatchonlyWalletName: cfg.WatchonlyWallet,
		CPFPWalletName:      cfg.CPFPWallet,
		RequestsPerSecond:   cfg.RPCRate,
	}, metrics.NewRPCClient(cfg.Network), logger)
	if err != nil {
		return fmt.Errorf("init rpc client: %w", err)
	}
	node := bitcoind.New(rpcClient, logger)

	if err := waitForNodeSync(ctx, node, logger); err != nil {
		return err
	}
	if err := setupWallets(cfg, node, db, logger); err != nil {
		return fmt.Errorf("prepare wallets: %w", err)
	}

	p := poller.New(node, state, metrics.NewPoller(cfg.Network),
		cfg.PollInterval, cfg.MinConfirmations, logger)
	h := hub.New(state, db, cfg.Network, p, logger)
	ctrl := control.New(cfg.ControlAddr, h.Control(), h.Done(), logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	go func() {
		errs <- p.Run(runCtx)
	}()
	go func() {
		err := h.Run(runCtx)
		// The hub returning is the daemon stopping, however it went.
		cancel()
		errs <- err
	}()
	go func() {
		errs <- ctrl.Run(runCtx)
	}()

	var firstErr error
	for i := 0; i < 3; i++ {
		err := <-errs
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// waitForNodeSync blocks until the node is out of initial block download.
// Starting to reconcile against a syncing node would mistake every funded
// deposit for an unconfirmed one.
func waitForNodeSync(ctx context.Context, node *bitcoind.BitcoinD, logger *zap.Logger) error {
	for {
		info, err := node.SyncInfo()
		if err != nil {
			return fmt.Errorf("query sync status: %w", err)
		}
		if !info.IBD && info.Progress > 0.9999 && info.Headers == info.Blocks {
			return nil
		}
		logger.Info("waiting for bitcoind to sync",
			zap.Float64("progress", info.Progress),
			zap.Uint64("headers", info.Headers),
			zap.Uint64("blocks", info.Blocks))
		if err := clock.SleepWithContext(ctx, 30*time.Second); err != nil {
			return err
		}
	}
}

// setupWallets creates or loads the two watch-only wallets and imports the
// descriptors. A fresh wallet needs no rescan; an existing one rescans
// from the recorded wallet birthdate.
func setupWallets(cfg config, node *bitcoind.BitcoinD, db *store.Store, logger *zap.Logger) error {
	loaded, err := node.ListWallets()
	if err != nil {
		return err
	}
	isLoaded := func(name string) bool {
		for _, w := range loaded {
			if w == name {
				return true
			}
		}
		return false
	}

	birthdate, err := db.LoadWalletBirthdate()
	if err != nil {
		return err
	}
	fresh := birthdate == 0
	if fresh {
		birthdate = time.Now().Unix()
		if err := db.SaveWalletBirthdate(birthdate); err != nil {
			return err
		}
	}

	wallets := []string{cfg.WatchonlyWallet}
	if cfg.CPFPDesc != "" {
		wallets = append(wallets, cfg.CPFPWallet)
	}
	for _, name := range wallets {
		if isLoaded(name) {
			continue
		}
		if fresh {
			logger.Info("creating wallet", zap.String("name", name))
			if err := node.CreateWallet(name); err != nil {
				return err
			}
			continue
		}
		logger.Info("loading wallet", zap.String("name", name))
		if err := node.LoadWallet(name); err != nil {
			return err
		}
	}

	if err := node.ImportDepositDescriptors(cfg.DepositDescs, birthdate, fresh); err != nil {
		return err
	}
	if err := node.ImportUnvaultDescriptors(cfg.UnvaultDescs, birthdate, fresh); err != nil {
		return err
	}
	if cfg.CPFPDesc != "" {
		if err := node.ImportCPFPDescriptor(cfg.CPFPDesc, birthdate, fresh); err != nil {
			return err
		}
	}
	return nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
