// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// Transport delivers verification events to the other side. The engine
// serializes the content itself and hands the transport fully-formed JSON so
// that implementations only have to move bytes.
type Transport interface {
	// SendToDevices sends a to-device event to the given devices of the
	// given user.
	SendToDevices(ctx context.Context, userID id.UserID, deviceIDs []id.DeviceID, evtType event.Type, content json.RawMessage) error
	// SendInRoom sends an event into the given room and returns its ID.
	SendInRoom(ctx context.Context, roomID id.RoomID, evtType event.Type, content json.RawMessage) (id.EventID, error)
}

// sendVerificationEvent marshals the content, injects the transaction
// reference appropriate for the channel and hands it to the transport. For
// to-device transactions the reference is a transaction_id field; for in-room
// ones it is an m.relates_to reference to the request event.
func (h *Helper) sendVerificationEvent(ctx context.Context, txn Transaction, evtType event.Type, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal %s content: %w", evtType.Type, err)
	}
	if txn.RoomID != "" {
		evtType = event.Type{Type: evtType.Type, Class: event.MessageEventType}
		raw, err = sjson.SetBytes(raw, "m\\.relates_to", &event.RelatesTo{
			Type:    event.RelReference,
			EventID: id.EventID(txn.TransactionID),
		})
		if err != nil {
			return fmt.Errorf("failed to set relation: %w", err)
		}
		eventID, err := h.transport.SendInRoom(ctx, txn.RoomID, evtType, raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		h.recordSentEvent(txn.TransactionID, eventID)
		return nil
	}
	raw, err = sjson.SetBytes(raw, "transaction_id", txn.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to set transaction ID: %w", err)
	}
	deviceIDs := []id.DeviceID{txn.TheirDeviceID}
	if txn.TheirDeviceID == "" {
		deviceIDs = txn.SentToDeviceIDs
	}
	if err = h.transport.SendToDevices(ctx, txn.TheirUserID, deviceIDs, evtType, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
