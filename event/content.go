// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// TypeMap is a mapping from event type to the content struct type. This is
// used by Content.ParseRaw() for creating the correct type of struct.
var TypeMap = map[Type]reflect.Type{
	EventMessage: reflect.TypeOf(MessageEventContent{}),

	ToDeviceVerificationRequest: reflect.TypeOf(VerificationRequestEventContent{}),
	ToDeviceVerificationReady:   reflect.TypeOf(VerificationReadyEventContent{}),
	ToDeviceVerificationStart:   reflect.TypeOf(VerificationStartEventContent{}),
	ToDeviceVerificationAccept:  reflect.TypeOf(VerificationAcceptEventContent{}),
	ToDeviceVerificationKey:     reflect.TypeOf(VerificationKeyEventContent{}),
	ToDeviceVerificationMAC:     reflect.TypeOf(VerificationMacEventContent{}),
	ToDeviceVerificationDone:    reflect.TypeOf(VerificationDoneEventContent{}),
	ToDeviceVerificationCancel:  reflect.TypeOf(VerificationCancelEventContent{}),

	InRoomVerificationReady:  reflect.TypeOf(VerificationReadyEventContent{}),
	InRoomVerificationStart:  reflect.TypeOf(VerificationStartEventContent{}),
	InRoomVerificationAccept: reflect.TypeOf(VerificationAcceptEventContent{}),
	InRoomVerificationKey:    reflect.TypeOf(VerificationKeyEventContent{}),
	InRoomVerificationMAC:    reflect.TypeOf(VerificationMacEventContent{}),
	InRoomVerificationDone:   reflect.TypeOf(VerificationDoneEventContent{}),
	InRoomVerificationCancel: reflect.TypeOf(VerificationCancelEventContent{}),
}

// Content stores the content of an event. By default the content is only kept
// as raw JSON plus a string map. ParseRaw with the correct event type parses
// the content into a struct that is accessible through Parsed or the As*
// helper functions.
type Content struct {
	VeryRaw json.RawMessage
	Raw     map[string]any
	Parsed  any
}

func (content *Content) UnmarshalJSON(data []byte) error {
	content.VeryRaw = data
	return json.Unmarshal(data, &content.Raw)
}

func (content *Content) MarshalJSON() ([]byte, error) {
	if content.Parsed != nil {
		return json.Marshal(content.Parsed)
	} else if content.VeryRaw != nil {
		return content.VeryRaw, nil
	}
	return json.Marshal(content.Raw)
}

func (content *Content) ParseRaw(evtType Type) error {
	structType, ok := TypeMap[evtType]
	if !ok {
		return fmt.Errorf("unsupported content type %s", evtType.Repr())
	}
	content.Parsed = reflect.New(structType).Interface()
	return json.Unmarshal(content.VeryRaw, &content.Parsed)
}

func (content *Content) AsMessage() *MessageEventContent {
	casted, _ := content.Parsed.(*MessageEventContent)
	return casted
}

func (content *Content) AsVerificationRequest() *VerificationRequestEventContent {
	casted, _ := content.Parsed.(*VerificationRequestEventContent)
	return casted
}

func (content *Content) AsVerificationReady() *VerificationReadyEventContent {
	casted, _ := content.Parsed.(*VerificationReadyEventContent)
	return casted
}

func (content *Content) AsVerificationStart() *VerificationStartEventContent {
	casted, _ := content.Parsed.(*VerificationStartEventContent)
	return casted
}

func (content *Content) AsVerificationAccept() *VerificationAcceptEventContent {
	casted, _ := content.Parsed.(*VerificationAcceptEventContent)
	return casted
}

func (content *Content) AsVerificationKey() *VerificationKeyEventContent {
	casted, _ := content.Parsed.(*VerificationKeyEventContent)
	return casted
}

func (content *Content) AsVerificationMAC() *VerificationMacEventContent {
	casted, _ := content.Parsed.(*VerificationMacEventContent)
	return casted
}

func (content *Content) AsVerificationDone() *VerificationDoneEventContent {
	casted, _ := content.Parsed.(*VerificationDoneEventContent)
	return casted
}

func (content *Content) AsVerificationCancel() *VerificationCancelEventContent {
	casted, _ := content.Parsed.(*VerificationCancelEventContent)
	return casted
}
