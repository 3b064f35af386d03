// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"context"
	"sync"

	"go.mau.fi/keyverify/id"
)

// Store is a persistent store for verification transactions. Transactions
// are stored by value so that the engine never shares mutable state with the
// store implementation.
type Store interface {
	// GetTransaction returns the transaction with the given ID, or
	// ErrUnknownVerificationTransaction if it does not exist.
	GetTransaction(ctx context.Context, txnID id.VerificationTransactionID) (Transaction, error)
	// SaveTransaction inserts or overwrites the transaction.
	SaveTransaction(ctx context.Context, txn Transaction) error
	// DeleteTransaction removes the transaction. Deleting a nonexistent
	// transaction is not an error.
	DeleteTransaction(ctx context.Context, txnID id.VerificationTransactionID) error
	// FindTransactionForUserDevice returns the non-terminal transaction
	// with the given user and device, or ErrUnknownVerificationTransaction
	// if there is none.
	FindTransactionForUserDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (Transaction, error)
	// GetAllTransactions returns every stored transaction, used to re-arm
	// timeouts after a restart.
	GetAllTransactions(ctx context.Context) ([]Transaction, error)
}

// InMemoryStore is a Store backed by a map. Suitable for tests and
// short-lived processes; verifications do not survive a restart.
type InMemoryStore struct {
	lock         sync.RWMutex
	transactions map[id.VerificationTransactionID]Transaction
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		transactions: map[id.VerificationTransactionID]Transaction{},
	}
}

func (s *InMemoryStore) GetTransaction(_ context.Context, txnID id.VerificationTransactionID) (Transaction, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	txn, ok := s.transactions[txnID]
	if !ok {
		return Transaction{}, ErrUnknownVerificationTransaction
	}
	return txn, nil
}

func (s *InMemoryStore) SaveTransaction(_ context.Context, txn Transaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.transactions[txn.TransactionID] = txn
	return nil
}

func (s *InMemoryStore) DeleteTransaction(_ context.Context, txnID id.VerificationTransactionID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.transactions, txnID)
	return nil
}

func (s *InMemoryStore) FindTransactionForUserDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (Transaction, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, txn := range s.transactions {
		if txn.TheirUserID == userID && txn.TheirDeviceID == deviceID && !txn.Phase.Terminal() {
			return txn, nil
		}
	}
	return Transaction{}, ErrUnknownVerificationTransaction
}

func (s *InMemoryStore) GetAllTransactions(_ context.Context) ([]Transaction, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	txns := make([]Transaction, 0, len(s.transactions))
	for _, txn := range s.transactions {
		txns = append(txns, txn)
	}
	return txns, nil
}
