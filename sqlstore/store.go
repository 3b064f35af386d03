// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sqlstore persists verification transactions in a SQL database so
// that in-flight verifications survive a restart of the process.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"go.mau.fi/keyverify"
	"go.mau.fi/keyverify/id"
)

const VersionTableName = "keyverify_version"

// SQLStore implements keyverify.Store on top of a dbutil database. The full
// transaction is stored as a JSON blob with the lookup keys denormalized
// into indexed columns.
type SQLStore struct {
	*dbutil.Database
}

var _ keyverify.Store = (*SQLStore)(nil)

func New(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLStore {
	return &SQLStore{Database: db.Child(VersionTableName, UpgradeTable, log)}
}

const (
	getTransactionQuery = `
		SELECT data FROM verification_transaction WHERE transaction_id=$1
	`
	saveTransactionQuery = `
		INSERT INTO verification_transaction (transaction_id, their_user_id, their_device_id, phase, expiration_ts, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO UPDATE
			SET their_user_id=excluded.their_user_id,
			    their_device_id=excluded.their_device_id,
			    phase=excluded.phase,
			    expiration_ts=excluded.expiration_ts,
			    data=excluded.data
	`
	deleteTransactionQuery = `
		DELETE FROM verification_transaction WHERE transaction_id=$1
	`
	findTransactionForUserDeviceQuery = `
		SELECT data FROM verification_transaction
		WHERE their_user_id=$1 AND their_device_id=$2 AND phase<>$3 AND phase<>$4
	`
	getAllTransactionsQuery = `
		SELECT data FROM verification_transaction
	`
)

func scanTransaction(row dbutil.Scannable) (keyverify.Transaction, error) {
	var data []byte
	var txn keyverify.Transaction
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txn, keyverify.ErrUnknownVerificationTransaction
		}
		return txn, err
	}
	if err := json.Unmarshal(data, &txn); err != nil {
		return txn, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return txn, nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, txnID id.VerificationTransactionID) (keyverify.Transaction, error) {
	return scanTransaction(s.QueryRow(ctx, getTransactionQuery, txnID))
}

func (s *SQLStore) SaveTransaction(ctx context.Context, txn keyverify.Transaction) error {
	data, err := json.Marshal(&txn)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	_, err = s.Exec(ctx, saveTransactionQuery,
		txn.TransactionID, txn.TheirUserID, txn.TheirDeviceID, int(txn.Phase), txn.ExpirationTime.UnixMilli(), data)
	return err
}

func (s *SQLStore) DeleteTransaction(ctx context.Context, txnID id.VerificationTransactionID) error {
	_, err := s.Exec(ctx, deleteTransactionQuery, txnID)
	return err
}

func (s *SQLStore) FindTransactionForUserDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (keyverify.Transaction, error) {
	return scanTransaction(s.QueryRow(ctx, findTransactionForUserDeviceQuery,
		userID, deviceID, int(keyverify.PhaseCancelled), int(keyverify.PhaseDone)))
}

func (s *SQLStore) GetAllTransactions(ctx context.Context) ([]keyverify.Transaction, error) {
	rows, err := s.Query(ctx, getAllTransactionsQuery)
	if err != nil {
		return nil, err
	}
	return dbutil.NewRowIter(rows, scanTransaction).AsList()
}
