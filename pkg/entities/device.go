// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"time"
)

// DeviceCode pairs the device_code a device polls with and the user_code a
// person enters on a second screen.
type DeviceCode struct {
	DeviceCode string   `json:"device_code"`
	UserCode   string   `json:"user_code"`
	ClientID   string   `json:"client_id"`
	Scopes     []string `json:"scopes"`

	// Interval is the minimum polling interval in seconds.
	Interval int `json:"interval"`

	// LastPolledAt drives slow_down responses when the device polls faster
	// than Interval.
	LastPolledAt time.Time `json:"last_polled_at"`

	// AuthorizedBy is the user who approved the request; empty while pending.
	AuthorizedBy string `json:"authorized_by,omitempty"`
	// Denied marks an explicit rejection by the user.
	Denied bool `json:"denied"`
	// Consumed marks a device code already exchanged for tokens.
	Consumed bool `json:"consumed"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the device authorization window elapsed.
func (d *DeviceCode) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// Pending reports whether the request still awaits a user decision.
func (d *DeviceCode) Pending() bool {
	return d.AuthorizedBy == "" && !d.Denied && !d.Consumed
}

// TooFast reports whether a poll at now violates the minimum interval.
func (d *DeviceCode) TooFast(now time.Time) bool {
	if d.LastPolledAt.IsZero() {
		return false
	}
	return now.Sub(d.LastPolledAt) < time.Duration(d.Interval)*time.Second
}

// Clone returns a deep copy.
func (d *DeviceCode) Clone() *DeviceCode {
	cp := *d
	cp.Scopes = cloneStrings(d.Scopes)
	return &cp
}
