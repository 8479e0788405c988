// Package poller runs the reconciliation loop against bitcoind. It is the
// only goroutine that ever talks to the node: the hub asks it for chain
// facts over a request channel, and receives reconciliation deltas from it.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/model"
)

type (
	// NodeClient is the sync-engine contract the poller consumes.
	NodeClient interface {
		GetTip() (*model.BlockchainTip, error)
		SyncInfo() (*model.SyncInfo, error)
		SyncDeposits(known map[wire.OutPoint]*model.UtxoInfo, minConf int32) (*model.DepositsState, error)
		SyncUnvaults(known map[wire.OutPoint]*model.UtxoInfo) (*model.UnvaultsState, error)
		GetWalletTransaction(txid *chainhash.Hash) (*model.WalletTransaction, error)
		GetSpenderTxid(spent *wire.OutPoint, sinceBlock *chainhash.Hash) (*chainhash.Hash, error)
		IsInMempool(txid *chainhash.Hash) (bool, error)
		RebroadcastWalletTransaction(txid *chainhash.Hash) error
	}

	// VaultView is the read-only view of the vault state the poller feeds
	// into reconciliation. The hub remains the sole writer.
	VaultView interface {
		Tip() model.BlockchainTip
		KnownDeposits() map[wire.OutPoint]*model.UtxoInfo
		KnownUnvaults() map[wire.OutPoint]*model.UtxoInfo
		SpendingTxids() map[wire.OutPoint]chainhash.Hash
	}

	// Metrics tracks reconciliation pass outcomes.
	Metrics interface {
		ObservePass(err error, started time.Time)
	}
)

// Poller owns the node clients and runs reconciliation passes on a timer,
// serving hub requests in between.
type Poller struct {
	node    NodeClient
	view    VaultView
	metrics Metrics
	logger  *zap.Logger

	reqs     chan Request
	deltas   chan Delta
	done     chan struct{}
	interval time.Duration
	minConf  int32
}

// New builds a poller. The hub sends requests on the returned Requests
// channel and consumes deltas from Deltas.
func New(node NodeClient, view VaultView, metrics Metrics, interval time.Duration,
	minConf int32, logger *zap.Logger) *Poller {
	return &Poller{
		node:     node,
		view:     view,
		metrics:  metrics,
		logger:   logger,
		reqs:     make(chan Request),
		deltas:   make(chan Delta),
		done:     make(chan struct{}),
		interval: interval,
		minConf:  minConf,
	}
}

// Requests is the channel the hub sends on-demand questions on.
func (p *Poller) Requests() chan<- Request { return p.reqs }

// Deltas is the channel reconciliation deltas are delivered on.
func (p *Poller) Deltas() <-chan Delta { return p.deltas }

// Done is closed when the loop has returned.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Run polls until a ShutdownRequest arrives or the context is canceled. A
// reconciliation failure is fatal: the transport layer already absorbed
// everything transient within its retry windows.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)

	for {
		started := time.Now()
		err := p.pass(ctx)
		p.metrics.ObservePass(err, started)
		if err != nil {
			if errors.Is(err, errShutdown) {
				return nil
			}
			p.logger.Error("reconciliation pass failed", zap.Error(err))
			return err
		}

		if stop, err := p.idle(ctx); stop || err != nil {
			return err
		}
	}
}

// errShutdown signals an orderly stop requested while a pass was being
// delivered.
var errShutdown = errors.New("shutdown requested")

// idle serves hub requests until the next poll is due.
func (p *Poller) idle(ctx context.Context) (stop bool, err error) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case req := <-p.reqs:
			if _, ok := req.(ShutdownRequest); ok {
				p.logger.Info("poller stopping")
				return true, nil
			}
			p.handle(req)
		case <-timer.C:
			return false, nil
		}
	}
}

// pass runs one reconciliation: tip, deposit diff, unvault diff, spend
// attribution and second-stage confirmations, then hands the delta to the
// hub and blocks until it has been fully applied. Requests keep being
// served while the delta is in flight, so the hub is never deadlocked
// against us.
func (p *Poller) pass(ctx context.Context) error {
	tip, err := p.node.GetTip()
	if err != nil {
		return err
	}
	prevTip := p.view.Tip()

	deposits, err := p.node.SyncDeposits(p.view.KnownDeposits(), p.minConf)
	if err != nil {
		return err
	}
	depositSpenders, err := p.attributeSpends(deposits.NewSpent, &prevTip.Hash)
	if err != nil {
		return err
	}

	unvaults, err := p.node.SyncUnvaults(p.view.KnownUnvaults())
	if err != nil {
		return err
	}
	unvaultSpenders, err := p.attributeSpends(unvaults.NewSpent, &prevTip.Hash)
	if err != nil {
		return err
	}

	settled, err := p.settledVaults()
	if err != nil {
		return err
	}

	delta := Delta{
		Tip:             *tip,
		Deposits:        deposits,
		Unvaults:        unvaults,
		DepositSpenders: depositSpenders,
		UnvaultSpenders: unvaultSpenders,
		Settled:         settled,
		Ack:             make(chan error),
	}
	if delta.Empty() && *tip == prevTip {
		return nil
	}

	return p.deliver(ctx, delta)
}

// deliver sends the delta and waits for the hub's acknowledgment, serving
// requests all the while.
func (p *Poller) deliver(ctx context.Context, delta Delta) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.reqs:
			if _, ok := req.(ShutdownRequest); ok {
				return errShutdown
			}
			p.handle(req)
		case p.deltas <- delta:
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case req := <-p.reqs:
					if _, ok := req.(ShutdownRequest); ok {
						return errShutdown
					}
					p.handle(req)
				case err := <-delta.Ack:
					if err != nil {
						// Status conflicts mean a duplicate or out-of-order
						// observation; the state machine refused them and
						// kept the records intact. Not fatal.
						p.logger.Warn("part of the reconciliation delta was refused",
							zap.Error(err))
					}
					return nil
				}
			}
		}
	}
}

// attributeSpends identifies, for each newly spent outpoint, the wallet
// transaction that spent it. The scan window starts at the block before
// which the outpoint was last known unspent; a spender falling before that
// window stays unattributed.
func (p *Poller) attributeSpends(spent map[wire.OutPoint]*model.UtxoInfo,
	sinceBlock *chainhash.Hash) (map[wire.OutPoint]*chainhash.Hash, error) {
	if len(spent) == 0 {
		return nil, nil
	}

	spenders := make(map[wire.OutPoint]*chainhash.Hash, len(spent))
	for outpoint := range spent {
		spender, err := p.node.GetSpenderTxid(&outpoint, sinceBlock)
		if err != nil {
			return nil, err
		}
		if spender == nil {
			p.logger.Warn("could not attribute spend",
				zap.String("outpoint", model.OutpointString(outpoint)))
			continue
		}
		spenders[outpoint] = spender
	}
	return spenders, nil
}

// settledVaults lists the vaults whose second-stage transaction confirmed,
// rebroadcasting any that fell out of the mempool along the way.
func (p *Poller) settledVaults() ([]wire.OutPoint, error) {
	var settled []wire.OutPoint
	for outpoint, txid := range p.view.SpendingTxids() {
		tx, err := p.node.GetWalletTransaction(&txid)
		if err != nil {
			var rpcErr *btcjson.RPCError
			if errors.As(err, &rpcErr) {
				// The wallet does not know the transaction (yet).
				continue
			}
			return nil, err
		}
		if tx.Confirmed() {
			settled = append(settled, outpoint)
			continue
		}

		inMempool, err := p.node.IsInMempool(&txid)
		if err != nil {
			return nil, err
		}
		if !inMempool {
			p.logger.Warn("second-stage transaction fell out of the mempool, rebroadcasting",
				zap.String("outpoint", model.OutpointString(outpoint)),
				zap.String("txid", txid.String()))
			if err := p.node.RebroadcastWalletTransaction(&txid); err != nil {
				p.logger.Error("rebroadcast failed",
					zap.String("txid", txid.String()), zap.Error(err))
			}
		}
	}
	return settled, nil
}

func (p *Poller) handle(req Request) {
	switch r := req.(type) {
	case SyncProgressRequest:
		info, err := p.node.SyncInfo()
		if err != nil {
			r.Reply <- SyncProgressReply{Err: err}
			return
		}
		r.Reply <- SyncProgressReply{Info: *info}
	case WalletTransactionRequest:
		tx, err := p.node.GetWalletTransaction(&r.Txid)
		if err != nil {
			var rpcErr *btcjson.RPCError
			if errors.As(err, &rpcErr) {
				r.Reply <- WalletTransactionReply{}
				return
			}
			r.Reply <- WalletTransactionReply{Err: err}
			return
		}
		r.Reply <- WalletTransactionReply{Tx: tx}
	default:
		p.logger.Error("unhandled poller request")
	}
}
