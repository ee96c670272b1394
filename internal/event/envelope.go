// Package event defines the records the controller emits for every applied
// operation. Records flow to the durable event log and to the outbound
// publisher; they are the audit trail of the share ledger.
package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event records
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeRequestFunds
	EventTypeCancelFundRequest
	EventTypeAssetEnabled
	EventTypeAssetDisabled
	EventTypeSubsidyRateSet
	EventTypeBaseRateSet
	EventTypeSpreadSet
	EventTypeBufferSet
	EventTypeRatesRecomputed
)

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeRequestFunds:
		return "RequestFunds"
	case EventTypeCancelFundRequest:
		return "CancelFundRequest"
	case EventTypeAssetEnabled:
		return "AssetEnabled"
	case EventTypeAssetDisabled:
		return "AssetDisabled"
	case EventTypeSubsidyRateSet:
		return "SubsidyRateSet"
	case EventTypeBaseRateSet:
		return "BaseRateSet"
	case EventTypeSpreadSet:
		return "SpreadSet"
	case EventTypeBufferSet:
		return "BufferSet"
	case EventTypeRatesRecomputed:
		return "RatesRecomputed"
	default:
		return "Unknown"
	}
}

// Subject returns the short lowercase token used in outbound subjects.
func (et EventType) Subject() string {
	switch et {
	case EventTypeDeposit:
		return "deposit"
	case EventTypeWithdraw:
		return "withdraw"
	case EventTypeRequestFunds:
		return "request_funds"
	case EventTypeCancelFundRequest:
		return "cancel_fund_request"
	case EventTypeAssetEnabled:
		return "asset_enabled"
	case EventTypeAssetDisabled:
		return "asset_disabled"
	case EventTypeSubsidyRateSet:
		return "subsidy_rate_set"
	case EventTypeBaseRateSet:
		return "base_rate_set"
	case EventTypeSpreadSet:
		return "spread_set"
	case EventTypeBufferSet:
		return "buffer_set"
	case EventTypeRatesRecomputed:
		return "rates_recomputed"
	default:
		return "unknown"
	}
}

// ParseEventType maps a stored type name back to its discriminator.
// Unrecognized names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	switch s {
	case "Deposit":
		return EventTypeDeposit
	case "Withdraw":
		return EventTypeWithdraw
	case "RequestFunds":
		return EventTypeRequestFunds
	case "CancelFundRequest":
		return EventTypeCancelFundRequest
	case "AssetEnabled":
		return EventTypeAssetEnabled
	case "AssetDisabled":
		return EventTypeAssetDisabled
	case "SubsidyRateSet":
		return EventTypeSubsidyRateSet
	case "BaseRateSet":
		return EventTypeBaseRateSet
	case "SpreadSet":
		return EventTypeSpreadSet
	case "BufferSet":
		return EventTypeBufferSet
	case "RatesRecomputed":
		return EventTypeRatesRecomputed
	default:
		return EventTypeUnknown
	}
}

// Record is one applied operation. Amount and Shares are the asset units
// moved and the ledger shares affected; either may be zero for
// administrative events.
type Record struct {
	// Unique record ID, also the idempotency key in the event log.
	ID uuid.UUID

	// Monotonic sequence assigned by the controller.
	Sequence int64

	Type   EventType
	Asset  string
	Domain string
	Caller string

	Amount *big.Int
	Shares *big.Int

	Timestamp time.Time
}

// NewRecord fills the identity fields; the caller sets the payload.
func NewRecord(seq int64, typ EventType, asset, domain, caller string, now time.Time) *Record {
	return &Record{
		ID:        uuid.New(),
		Sequence:  seq,
		Type:      typ,
		Asset:     asset,
		Domain:    domain,
		Caller:    caller,
		Amount:    new(big.Int),
		Shares:    new(big.Int),
		Timestamp: now,
	}
}

// IdempotencyKey returns the stable dedup key for the event log.
func (r *Record) IdempotencyKey() string {
	return r.ID.String()
}

// AmountString renders Amount for storage; big.Int does not survive JSON
// round-trips at full precision, so the wire form is decimal text.
func (r *Record) AmountString() string {
	if r.Amount == nil {
		return "0"
	}
	return r.Amount.String()
}

// SharesString renders Shares for storage.
func (r *Record) SharesString() string {
	if r.Shares == nil {
		return "0"
	}
	return r.Shares.String()
}
