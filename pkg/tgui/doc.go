// Package tgui builds HTML fragments for Telegram's HTML parse mode.
//
// The daemon only ever sends plain notification messages, so this stays a
// small escape-and-tag kit: the H type marks strings that are safe to embed,
// everything else must pass through Esc first.
package tgui
