package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/model"
)

// ErrUnknownOutpoint is returned for operations against a deposit outpoint
// we have no vault for.
var ErrUnknownOutpoint = errors.New("no vault at this outpoint")

// State is the live map of deposit outpoint to vault, with the derived
// UTXO views handed to the sync engine. A reader/writer lock guards it:
// reconciliation deltas take the write lock, read-only control requests
// run concurrently under the read lock.
type State struct {
	mu sync.RWMutex

	params *chaincfg.Params
	logger *zap.Logger
	now    func() int64

	vaults map[wire.OutPoint]*model.Vault
	// Deposit UTXOs of vaults whose deposit is still unspent.
	deposits map[wire.OutPoint]*model.UtxoInfo
	// Unvault UTXOs of vaults being unvaulted, keyed by unvault outpoint.
	unvaults map[wire.OutPoint]*model.UtxoInfo
	// Unvault outpoint back to the owning deposit outpoint.
	unvaultOwner map[wire.OutPoint]wire.OutPoint

	tip             model.BlockchainTip
	derivationIndex uint32
}

// NewState builds an empty state. Restore populates it from the store.
func NewState(params *chaincfg.Params, logger *zap.Logger) *State {
	return &State{
		params:       params,
		logger:       logger,
		now:          func() int64 { return time.Now().Unix() },
		vaults:       make(map[wire.OutPoint]*model.Vault),
		deposits:     make(map[wire.OutPoint]*model.UtxoInfo),
		unvaults:     make(map[wire.OutPoint]*model.UtxoInfo),
		unvaultOwner: make(map[wire.OutPoint]wire.OutPoint),
	}
}

// Restore loads the last known tip and vault set, rebuilding the derived
// UTXO views from the vault statuses.
func (s *State) Restore(tip model.BlockchainTip, vaults []*model.Vault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tip = tip
	for _, v := range vaults {
		s.vaults[v.DepositOutpoint] = v
		if v.DerivationIndex >= s.derivationIndex {
			s.derivationIndex = v.DerivationIndex + 1
		}

		switch v.Status {
		case model.StatusUnconfirmed, model.StatusFunded, model.StatusSecuring,
			model.StatusSecured, model.StatusActive:
			s.deposits[v.DepositOutpoint] = &model.UtxoInfo{
				Value:     v.Amount,
				Script:    v.DepositScript,
				Confirmed: v.Status != model.StatusUnconfirmed,
			}
		case model.StatusUnvaulting, model.StatusUnvaulted:
			unvaultOutpoint, ok := v.UnvaultOutpoint()
			if !ok {
				s.logger.Error("restored unvaulting vault with no unvault transaction",
					zap.String("outpoint", model.OutpointString(v.DepositOutpoint)))
				continue
			}
			s.unvaults[unvaultOutpoint] = &model.UtxoInfo{
				Value:     v.Amount,
				Script:    v.DepositScript,
				Confirmed: v.Status == model.StatusUnvaulted,
			}
			s.unvaultOwner[unvaultOutpoint] = v.DepositOutpoint
		}
	}
}

// Tip returns the last tip applied by reconciliation.
func (s *State) Tip() model.BlockchainTip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// SetTip records a new chain tip.
func (s *State) SetTip(tip model.BlockchainTip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tip = tip
}

// KnownDeposits returns a copy of the deposit UTXO view, the "known" input
// to deposit reconciliation.
func (s *State) KnownDeposits() map[wire.OutPoint]*model.UtxoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known := make(map[wire.OutPoint]*model.UtxoInfo, len(s.deposits))
	for op, utxo := range s.deposits {
		known[op] = utxo.Clone()
	}
	return known
}

// KnownUnvaults returns a copy of the unvault UTXO view.
func (s *State) KnownUnvaults() map[wire.OutPoint]*model.UtxoInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known := make(map[wire.OutPoint]*model.UtxoInfo, len(s.unvaults))
	for op, utxo := range s.unvaults {
		known[op] = utxo.Clone()
	}
	return known
}

// ApplyDeposits applies one deposit reconciliation delta under the write
// lock. spenders attributes newly spent outpoints to the transaction that
// spent them, when it could be identified. Valid transitions are applied
// even when others conflict; conflicts are joined into the returned error.
func (s *State) ApplyDeposits(delta *model.DepositsState, spenders map[wire.OutPoint]*chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	now := s.now()

	for outpoint, utxo := range delta.NewUnconfirmed {
		if _, ok := s.vaults[outpoint]; ok {
			errs = append(errs, fmt.Errorf("new deposit at already known outpoint %s",
				model.OutpointString(outpoint)))
			continue
		}

		address := ""
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(utxo.Script, s.params)
		if err == nil && len(addrs) > 0 {
			address = addrs[0].EncodeAddress()
		}

		s.vaults[outpoint] = &model.Vault{
			DepositOutpoint: outpoint,
			Amount:          utxo.Value,
			Status:          model.StatusUnconfirmed,
			DerivationIndex: s.derivationIndex,
			DepositAddress:  address,
			DepositScript:   utxo.Script,
			UpdatedAt:       now,
		}
		s.deposits[outpoint] = utxo.Clone()
		s.derivationIndex++
		s.logger.Info("new deposit",
			zap.String("outpoint", model.OutpointString(outpoint)),
			zap.Int64("value", int64(utxo.Value)))
	}

	for outpoint := range delta.NewConfirmed {
		v, ok := s.vaults[outpoint]
		if !ok {
			errs = append(errs, fmt.Errorf("confirmed deposit at %s: %w",
				model.OutpointString(outpoint), ErrUnknownOutpoint))
			continue
		}
		if err := advance(v, model.StatusFunded, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if utxo, ok := s.deposits[outpoint]; ok {
			utxo.Confirmed = true
		}
		s.logger.Info("deposit confirmed",
			zap.String("outpoint", model.OutpointString(outpoint)))
	}

	for outpoint := range delta.NewSpent {
		v, ok := s.vaults[outpoint]
		if !ok {
			errs = append(errs, fmt.Errorf("spent deposit at %s: %w",
				model.OutpointString(outpoint), ErrUnknownOutpoint))
			continue
		}
		if err := s.depositSpent(v, spenders[outpoint], now); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.deposits, outpoint)
	}

	return errors.Join(errs...)
}

// depositSpent advances a vault whose deposit output got spent, based on
// which attached transaction the spend matches.
func (s *State) depositSpent(v *model.Vault, spender *chainhash.Hash, now int64) error {
	outpoint := v.DepositOutpoint

	if spender != nil && v.Bundle.Unvault != nil && v.Bundle.Unvault.Txid == *spender {
		if err := advance(v, model.StatusUnvaulting, now); err != nil {
			return err
		}
		unvaultOutpoint := wire.OutPoint{Hash: *spender, Index: 0}
		s.unvaults[unvaultOutpoint] = &model.UtxoInfo{
			Value:     v.Amount,
			Script:    v.DepositScript,
			Confirmed: false,
		}
		s.unvaultOwner[unvaultOutpoint] = outpoint
		s.logger.Info("vault is being unvaulted",
			zap.String("outpoint", model.OutpointString(outpoint)))
		return nil
	}

	if spender != nil && v.Bundle.Emergency != nil && v.Bundle.Emergency.Txid == *spender {
		if err := advance(v, model.StatusEmergencyVaulting, now); err != nil {
			return err
		}
		s.logger.Warn("vault deposit swept by the emergency transaction",
			zap.String("outpoint", model.OutpointString(outpoint)))
		return nil
	}

	// The spend matches none of the attached transactions. Something
	// spent a deposit behind our back: flag it loudly, don't guess.
	spenderStr := "unknown"
	if spender != nil {
		spenderStr = spender.String()
	}
	s.logger.Error("deposit spent by a transaction we do not know",
		zap.String("outpoint", model.OutpointString(outpoint)),
		zap.String("spender", spenderStr),
		zap.String("status", string(v.Status)))
	return nil
}

// ApplyUnvaults applies one unvault reconciliation delta under the write
// lock.
func (s *State) ApplyUnvaults(delta *model.UnvaultsState, spenders map[wire.OutPoint]*chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	now := s.now()

	for unvaultOutpoint := range delta.NewConfirmed {
		v, err := s.vaultOfUnvault(unvaultOutpoint)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := advance(v, model.StatusUnvaulted, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if utxo, ok := s.unvaults[unvaultOutpoint]; ok {
			utxo.Confirmed = true
		}
		s.logger.Info("unvault output confirmed",
			zap.String("outpoint", model.OutpointString(v.DepositOutpoint)))
	}

	for unvaultOutpoint := range delta.NewSpent {
		v, err := s.vaultOfUnvault(unvaultOutpoint)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.unvaultSpent(v, spenders[unvaultOutpoint], now); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.unvaults, unvaultOutpoint)
		delete(s.unvaultOwner, unvaultOutpoint)
	}

	return errors.Join(errs...)
}

func (s *State) vaultOfUnvault(unvaultOutpoint wire.OutPoint) (*model.Vault, error) {
	depositOutpoint, ok := s.unvaultOwner[unvaultOutpoint]
	if !ok {
		return nil, fmt.Errorf("unvault utxo at %s: %w",
			model.OutpointString(unvaultOutpoint), ErrUnknownOutpoint)
	}
	v, ok := s.vaults[depositOutpoint]
	if !ok {
		return nil, fmt.Errorf("unvault utxo at %s owned by missing vault %s: %w",
			model.OutpointString(unvaultOutpoint),
			model.OutpointString(depositOutpoint), ErrUnknownOutpoint)
	}
	return v, nil
}

// unvaultSpent advances a vault whose unvault output got spent: the branch
// point of the lifecycle.
func (s *State) unvaultSpent(v *model.Vault, spender *chainhash.Hash, now int64) error {
	outpoint := v.DepositOutpoint

	if spender != nil {
		switch {
		case v.Bundle.Cancel != nil && v.Bundle.Cancel.Txid == *spender:
			if err := advance(v, model.StatusCanceling, now); err != nil {
				return err
			}
			s.logger.Info("unvault is being canceled",
				zap.String("outpoint", model.OutpointString(outpoint)))
			return nil
		case v.Bundle.Spend != nil && v.Bundle.Spend.Txid == *spender:
			if err := advance(v, model.StatusSpending, now); err != nil {
				return err
			}
			s.logger.Info("vault is being spent",
				zap.String("outpoint", model.OutpointString(outpoint)))
			return nil
		case v.Bundle.UnvaultEmergency != nil && v.Bundle.UnvaultEmergency.Txid == *spender:
			if err := advance(v, model.StatusEmergencyVaulting, now); err != nil {
				return err
			}
			s.logger.Warn("unvault swept by the emergency transaction",
				zap.String("outpoint", model.OutpointString(outpoint)))
			return nil
		}
	}

	spenderStr := "unknown"
	if spender != nil {
		spenderStr = spender.String()
	}
	s.logger.Error("unvault output spent by a transaction we do not know",
		zap.String("outpoint", model.OutpointString(outpoint)),
		zap.String("spender", spenderStr),
		zap.String("status", string(v.Status)))
	return nil
}

// SpendingTxids lists, for every vault sitting in a transitional spending
// status, the transaction whose confirmation will settle it.
func (s *State) SpendingTxids() map[wire.OutPoint]chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txids := make(map[wire.OutPoint]chainhash.Hash)
	for outpoint, v := range s.vaults {
		switch v.Status {
		case model.StatusCanceling:
			if v.Bundle.Cancel != nil {
				txids[outpoint] = v.Bundle.Cancel.Txid
			}
		case model.StatusSpending:
			if v.Bundle.Spend != nil {
				txids[outpoint] = v.Bundle.Spend.Txid
			}
		case model.StatusEmergencyVaulting:
			if v.Bundle.Emergency != nil {
				txids[outpoint] = v.Bundle.Emergency.Txid
			} else if v.Bundle.UnvaultEmergency != nil {
				txids[outpoint] = v.Bundle.UnvaultEmergency.Txid
			}
		}
	}
	return txids
}

// MarkSpendConfirmed settles a vault whose second-stage transaction
// confirmed, reaching its terminal status.
func (s *State) MarkSpendConfirmed(outpoint wire.OutPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}

	var target model.VaultStatus
	switch v.Status {
	case model.StatusCanceling:
		target = model.StatusCanceled
	case model.StatusSpending:
		target = model.StatusSpent
	case model.StatusEmergencyVaulting:
		target = model.StatusEmergencyVaulted
	default:
		return &StatusError{Outpoint: outpoint, Current: v.Status, Target: v.Status}
	}

	if err := advance(v, target, s.now()); err != nil {
		return err
	}
	s.logger.Info("vault settled",
		zap.String("outpoint", model.OutpointString(outpoint)),
		zap.String("status", string(target)))
	return nil
}
