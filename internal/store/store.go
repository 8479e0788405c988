// Package store persists the daemon's state between runs: the last
// reconciled chain tip and every vault record. It is a small Badger
// keyspace, JSON values keyed by "tip" and "vault/<txid>:<vout>".
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/vaultcustody/vaultd/internal/model"
)

const (
	tipKey       = "tip"
	birthdateKey = "wallet_birthdate"
	vaultPrefix  = "vault/"
)

// Store is the on-disk state of the daemon.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("database at %s is locked by another process (is another vaultd instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// SaveTip records the last tip the vault state was reconciled against.
func (s *Store) SaveTip(tip model.BlockchainTip) error {
	raw, err := json.Marshal(tip)
	if err != nil {
		return fmt.Errorf("marshal tip: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tipKey), raw)
	})
	if err != nil {
		return fmt.Errorf("save tip: %w", err)
	}
	return nil
}

// LoadTip returns the stored tip, or the zero tip on first startup.
func (s *Store) LoadTip() (model.BlockchainTip, error) {
	var tip model.BlockchainTip
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tipKey))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &tip)
		})
	})
	if err == badger.ErrKeyNotFound {
		return model.BlockchainTip{}, nil
	}
	if err != nil {
		return model.BlockchainTip{}, fmt.Errorf("load tip: %w", err)
	}
	return tip, nil
}

// SaveWalletBirthdate records when the watch-only wallets were first
// created, so descriptor rescans on later startups reach back far enough.
func (s *Store) SaveWalletBirthdate(unix int64) error {
	raw, err := json.Marshal(unix)
	if err != nil {
		return fmt.Errorf("marshal birthdate: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(birthdateKey), raw)
	})
	if err != nil {
		return fmt.Errorf("save birthdate: %w", err)
	}
	return nil
}

// LoadWalletBirthdate returns the stored wallet creation time, or zero if
// the wallets were never created.
func (s *Store) LoadWalletBirthdate() (int64, error) {
	var unix int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(birthdateKey))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &unix)
		})
	})
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load birthdate: %w", err)
	}
	return unix, nil
}

// SaveVaults writes every vault record in one transaction. Records are
// never deleted: canceled and spent vaults stay around as history.
func (s *Store) SaveVaults(vaults []model.Vault) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for i := range vaults {
			raw, err := json.Marshal(&vaults[i])
			if err != nil {
				return fmt.Errorf("marshal vault: %w", err)
			}
			key := vaultPrefix + model.OutpointString(vaults[i].DepositOutpoint)
			if err := txn.Set([]byte(key), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save vaults: %w", err)
	}
	return nil
}

// LoadVaults returns every stored vault record.
func (s *Store) LoadVaults() ([]*model.Vault, error) {
	var vaults []*model.Vault
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(vaultPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			err := it.Item().Value(func(raw []byte) error {
				var v model.Vault
				if err := json.Unmarshal(raw, &v); err != nil {
					return fmt.Errorf("unmarshal vault %s: %w", it.Item().Key(), err)
				}
				vaults = append(vaults, &v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}
	return vaults, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
