// Package vault is the in-memory authoritative record of every vault. It
// consumes reconciliation deltas and advances vault statuses along the
// lifecycle graph, refusing any transition from an unexpected status.
package vault

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/looplab/fsm"

	"github.com/vaultcustody/vaultd/internal/model"
)

// The lifecycle graph. Event names are the destination statuses: asking
// the machine for event "funded" from "unconfirmed" succeeds, from
// anything else it does not.
var statusGraph = fsm.Events{
	{
		Name: string(model.StatusFunded),
		Src:  []string{string(model.StatusUnconfirmed)},
		Dst:  string(model.StatusFunded),
	},
	{
		Name: string(model.StatusSecuring),
		Src:  []string{string(model.StatusFunded)},
		Dst:  string(model.StatusSecuring),
	},
	{
		Name: string(model.StatusSecured),
		Src:  []string{string(model.StatusSecuring)},
		Dst:  string(model.StatusSecured),
	},
	{
		Name: string(model.StatusActive),
		Src:  []string{string(model.StatusSecured)},
		Dst:  string(model.StatusActive),
	},
	{
		Name: string(model.StatusUnvaulting),
		Src:  []string{string(model.StatusActive)},
		Dst:  string(model.StatusUnvaulting),
	},
	{
		Name: string(model.StatusUnvaulted),
		Src:  []string{string(model.StatusUnvaulting)},
		Dst:  string(model.StatusUnvaulted),
	},
	{
		Name: string(model.StatusCanceling),
		Src:  []string{string(model.StatusUnvaulting), string(model.StatusUnvaulted)},
		Dst:  string(model.StatusCanceling),
	},
	{
		Name: string(model.StatusCanceled),
		Src:  []string{string(model.StatusCanceling)},
		Dst:  string(model.StatusCanceled),
	},
	{
		Name: string(model.StatusSpending),
		Src:  []string{string(model.StatusUnvaulted)},
		Dst:  string(model.StatusSpending),
	},
	{
		Name: string(model.StatusSpent),
		Src:  []string{string(model.StatusSpending)},
		Dst:  string(model.StatusSpent),
	},
	{
		Name: string(model.StatusEmergencyVaulting),
		Src: []string{
			string(model.StatusFunded), string(model.StatusSecuring),
			string(model.StatusSecured), string(model.StatusActive),
			string(model.StatusUnvaulting), string(model.StatusUnvaulted),
		},
		Dst: string(model.StatusEmergencyVaulting),
	},
	{
		Name: string(model.StatusEmergencyVaulted),
		Src:  []string{string(model.StatusEmergencyVaulting)},
		Dst:  string(model.StatusEmergencyVaulted),
	},
}

// StatusError is a refused transition: the vault was not at the status the
// operation expected. The vault record is left untouched.
type StatusError struct {
	Outpoint wire.OutPoint
	Current  model.VaultStatus
	Target   model.VaultStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vault %s: invalid status %q for transition to %q",
		model.OutpointString(e.Outpoint), e.Current, e.Target)
}

// advance moves a vault to the target status, or returns a StatusError
// without touching the record.
func advance(v *model.Vault, target model.VaultStatus, now int64) error {
	machine := fsm.NewFSM(string(v.Status), statusGraph, nil)
	if err := machine.Event(context.Background(), string(target)); err != nil {
		return &StatusError{
			Outpoint: v.DepositOutpoint,
			Current:  v.Status,
			Target:   target,
		}
	}
	v.Status = model.VaultStatus(machine.Current())
	v.UpdatedAt = now
	return nil
}
