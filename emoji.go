// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

// allEmojis is the fixed table of 64 emoji used for short authentication
// strings. The ordering is part of the wire protocol and must never change.
var allEmojis = [64]rune{
	'🐶', // Dog
	'🐱', // Cat
	'🦁', // Lion
	'🐎', // Horse
	'🦄', // Unicorn
	'🐷', // Pig
	'🐘', // Elephant
	'🐰', // Rabbit
	'🐼', // Panda
	'🐓', // Rooster
	'🐧', // Penguin
	'🐢', // Turtle
	'🐟', // Fish
	'🐙', // Octopus
	'🦋', // Butterfly
	'🌷', // Flower
	'🌳', // Tree
	'🌵', // Cactus
	'🍄', // Mushroom
	'🌏', // Globe
	'🌙', // Moon
	'☁', // Cloud
	'🔥', // Fire
	'🍌', // Banana
	'🍎', // Apple
	'🍓', // Strawberry
	'🌽', // Corn
	'🍕', // Pizza
	'🎂', // Cake
	'❤', // Heart
	'😀', // Smiley
	'🤖', // Robot
	'🎩', // Hat
	'👓', // Glasses
	'🔧', // Spanner
	'🎅', // Santa
	'👍', // Thumbs Up
	'☂', // Umbrella
	'⌛', // Hourglass
	'⏰', // Clock
	'🎁', // Gift
	'💡', // Light Bulb
	'📕', // Book
	'✏', // Pencil
	'📎', // Paperclip
	'✂', // Scissors
	'🔒', // Lock
	'🔑', // Key
	'🔨', // Hammer
	'☎', // Telephone
	'🏁', // Flag
	'🚂', // Train
	'🚲', // Bicycle
	'✈', // Aeroplane
	'🚀', // Rocket
	'🏆', // Trophy
	'⚽', // Ball
	'🎸', // Guitar
	'🎺', // Trumpet
	'🔔', // Bell
	'⚓', // Anchor
	'🎧', // Headphones
	'📁', // Folder
	'📌', // Pin
}

// allEmojiDescriptions gives the English description for each emoji in
// allEmojis, at the same index.
var allEmojiDescriptions = [64]string{
	"Dog",
	"Cat",
	"Lion",
	"Horse",
	"Unicorn",
	"Pig",
	"Elephant",
	"Rabbit",
	"Panda",
	"Rooster",
	"Penguin",
	"Turtle",
	"Fish",
	"Octopus",
	"Butterfly",
	"Flower",
	"Tree",
	"Cactus",
	"Mushroom",
	"Globe",
	"Moon",
	"Cloud",
	"Fire",
	"Banana",
	"Apple",
	"Strawberry",
	"Corn",
	"Pizza",
	"Cake",
	"Heart",
	"Smiley",
	"Robot",
	"Hat",
	"Glasses",
	"Spanner",
	"Santa",
	"Thumbs Up",
	"Umbrella",
	"Hourglass",
	"Clock",
	"Gift",
	"Light Bulb",
	"Book",
	"Pencil",
	"Paperclip",
	"Scissors",
	"Lock",
	"Key",
	"Hammer",
	"Telephone",
	"Flag",
	"Train",
	"Bicycle",
	"Aeroplane",
	"Rocket",
	"Trophy",
	"Ball",
	"Guitar",
	"Trumpet",
	"Bell",
	"Anchor",
	"Headphones",
	"Folder",
	"Pin",
}
