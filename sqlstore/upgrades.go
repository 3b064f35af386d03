// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sqlstore

import (
	"context"

	"go.mau.fi/util/dbutil"
)

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.Register(-1, 1, 0, "Latest revision", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `
			CREATE TABLE verification_transaction (
				transaction_id  TEXT    NOT NULL PRIMARY KEY,
				their_user_id   TEXT    NOT NULL,
				their_device_id TEXT    NOT NULL,
				phase           INTEGER NOT NULL,
				expiration_ts   BIGINT  NOT NULL,
				data            jsonb   NOT NULL
			)
		`)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx, `
			CREATE INDEX verification_transaction_user_device_idx
				ON verification_transaction (their_user_id, their_device_id)
		`)
		return err
	})
}
