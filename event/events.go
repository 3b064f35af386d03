// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package event contains the wire representation of the verification
// protocol messages.
package event

import (
	"go.mau.fi/util/jsontime"

	"go.mau.fi/keyverify/id"
)

// Event is the envelope for an inbound protocol message as surfaced by the
// transport binding. RoomID and ID are only set for in-room events.
type Event struct {
	Type      Type               `json:"type"`
	ID        id.EventID         `json:"event_id,omitempty"`
	Sender    id.UserID          `json:"sender"`
	RoomID    id.RoomID          `json:"room_id,omitempty"`
	Timestamp jsontime.UnixMilli `json:"origin_server_ts,omitempty"`
	Content   Content            `json:"content"`
}

type RelationType string

const RelReference RelationType = "m.reference"

// RelatesTo is the m.relates_to field carried by in-room verification events
// to reference the original request event.
type RelatesTo struct {
	Type    RelationType `json:"rel_type,omitempty"`
	EventID id.EventID   `json:"event_id,omitempty"`
}

// MessageEventContent is the trimmed m.room.message content used for opening
// a verification request in a room.
type MessageEventContent struct {
	MsgType    MessageType          `json:"msgtype,omitempty"`
	Body       string               `json:"body,omitempty"`
	To         id.UserID            `json:"to,omitempty"`
	FromDevice id.DeviceID          `json:"from_device,omitempty"`
	Methods    []VerificationMethod `json:"methods,omitempty"`
}

type MessageType string

const MsgVerificationRequest MessageType = "m.key.verification.request"
