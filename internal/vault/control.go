package vault

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/vaultcustody/vaultd/internal/model"
)

// RevocationTxs is the triplet protecting a vault before and after its
// unvault.
type RevocationTxs struct {
	Cancel           model.BundleTx `json:"cancel"`
	Emergency        model.BundleTx `json:"emergency"`
	UnvaultEmergency model.BundleTx `json:"unvault_emergency"`
}

// ListVaults returns copies of the vaults matching the optional status and
// outpoint filters. Nil filters match everything.
func (s *State) ListVaults(statuses []model.VaultStatus, outpoints []wire.OutPoint) []model.Vault {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statusSet map[model.VaultStatus]struct{}
	if statuses != nil {
		statusSet = make(map[model.VaultStatus]struct{}, len(statuses))
		for _, st := range statuses {
			statusSet[st] = struct{}{}
		}
	}
	var outpointSet map[wire.OutPoint]struct{}
	if outpoints != nil {
		outpointSet = make(map[wire.OutPoint]struct{}, len(outpoints))
		for _, op := range outpoints {
			outpointSet[op] = struct{}{}
		}
	}

	vaults := make([]model.Vault, 0, len(s.vaults))
	for outpoint, v := range s.vaults {
		if statusSet != nil {
			if _, ok := statusSet[v.Status]; !ok {
				continue
			}
		}
		if outpointSet != nil {
			if _, ok := outpointSet[outpoint]; !ok {
				continue
			}
		}
		vaults = append(vaults, *v)
	}
	return vaults
}

// Vault returns a copy of one vault record.
func (s *State) Vault(outpoint wire.OutPoint) (model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return model.Vault{}, fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}
	return *v, nil
}

// SetRevocationTxs stores the revocation transactions of a funded vault.
// The vault moves to securing, and straight to secured when all three are
// already fully signed.
func (s *State) SetRevocationTxs(outpoint wire.OutPoint, txs RevocationTxs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}

	now := s.now()
	if err := advance(v, model.StatusSecuring, now); err != nil {
		return err
	}

	cancel, emergency, unvaultEmergency := txs.Cancel, txs.Emergency, txs.UnvaultEmergency
	v.Bundle.Cancel = &cancel
	v.Bundle.Emergency = &emergency
	v.Bundle.UnvaultEmergency = &unvaultEmergency

	if cancel.Signed && emergency.Signed && unvaultEmergency.Signed {
		if err := advance(v, model.StatusSecured, now); err != nil {
			return err
		}
	}
	s.logger.Info("revocation transactions stored",
		zap.String("outpoint", model.OutpointString(outpoint)),
		zap.String("status", string(v.Status)))
	return nil
}

// RevocationTxs returns the stored revocation transactions. The vault must
// have been handed them already.
func (s *State) RevocationTxs(outpoint wire.OutPoint) (RevocationTxs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return RevocationTxs{}, fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}
	if v.Bundle.Cancel == nil || v.Bundle.Emergency == nil || v.Bundle.UnvaultEmergency == nil {
		return RevocationTxs{}, &StatusError{
			Outpoint: outpoint,
			Current:  v.Status,
			Target:   model.StatusSecuring,
		}
	}
	return RevocationTxs{
		Cancel:           *v.Bundle.Cancel,
		Emergency:        *v.Bundle.Emergency,
		UnvaultEmergency: *v.Bundle.UnvaultEmergency,
	}, nil
}

// SetUnvaultTx attaches the fully signed unvault transaction to a secured
// vault, making it active.
func (s *State) SetUnvaultTx(outpoint wire.OutPoint, tx model.BundleTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}
	if err := advance(v, model.StatusActive, s.now()); err != nil {
		return err
	}
	v.Bundle.Unvault = &tx
	s.logger.Info("unvault transaction stored, vault is active",
		zap.String("outpoint", model.OutpointString(outpoint)))
	return nil
}

// UnvaultTx returns the attached unvault transaction of an active (or
// later) vault.
func (s *State) UnvaultTx(outpoint wire.OutPoint) (model.BundleTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return model.BundleTx{}, fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}
	if v.Bundle.Unvault == nil {
		return model.BundleTx{}, &StatusError{
			Outpoint: outpoint,
			Current:  v.Status,
			Target:   model.StatusActive,
		}
	}
	return *v.Bundle.Unvault, nil
}

// SetSpendTx attaches the fully signed spend transaction consuming the
// unvault output. The unvault transaction must already be attached, and
// the vault must not have settled.
func (s *State) SetSpendTx(outpoint wire.OutPoint, tx model.BundleTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[outpoint]
	if !ok {
		return fmt.Errorf("%s: %w", model.OutpointString(outpoint), ErrUnknownOutpoint)
	}
	switch v.Status {
	case model.StatusActive, model.StatusUnvaulting, model.StatusUnvaulted:
	default:
		return &StatusError{
			Outpoint: outpoint,
			Current:  v.Status,
			Target:   model.StatusActive,
		}
	}
	v.Bundle.Spend = &tx
	s.logger.Info("spend transaction stored",
		zap.String("outpoint", model.OutpointString(outpoint)))
	return nil
}

// Snapshot returns copies of all vault records, for persistence after an
// applied delta.
func (s *State) Snapshot() []model.Vault {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vaults := make([]model.Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		vaults = append(vaults, *v)
	}
	return vaults
}
