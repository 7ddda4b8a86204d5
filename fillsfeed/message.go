package fillsfeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MessageKind tags the decoded variants of a stream payload.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindFill
	KindHead
)

// FillStatus distinguishes confirmed fills from ones rolled back by the
// chain.
type FillStatus string

const (
	FillStatusNew    FillStatus = "new"
	FillStatusRevoke FillStatus = "revoke"
)

// FillEventBody carries the matched-trade details of a fill payload.
//
// Client order ids arrive as JSON numbers that can exceed float64 precision,
// so they are kept as json.Number and converted by the consumer.
type FillEventBody struct {
	EventType          string          `json:"eventType"`
	Maker              string          `json:"maker"`
	Taker              string          `json:"taker"`
	TakerSide          string          `json:"takerSide"`
	Timestamp          time.Time       `json:"timestamp"`
	SeqNum             uint64          `json:"seqNum"`
	MakerClientOrderID json.Number     `json:"makerClientOrderId"`
	TakerClientOrderID json.Number     `json:"takerClientOrderId"`
	MakerFee           decimal.Decimal `json:"makerFee"`
	TakerFee           decimal.Decimal `json:"takerFee"`
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
}

// FillEvent is the full fill payload as delivered by the feed.
type FillEvent struct {
	Event        FillEventBody `json:"event"`
	MarketKey    string        `json:"marketKey"`
	MarketName   string        `json:"marketName"`
	Status       FillStatus    `json:"status"`
	Slot         uint64        `json:"slot"`
	WriteVersion uint64        `json:"writeVersion"`
}

// FillID derives the stream-wide unique identity of a fill from its slot and
// sequence number.
func (e FillEvent) FillID() string {
	return fmt.Sprintf("%d-%d", e.Slot, e.Event.SeqNum)
}

// HeadUpdate reports movement of the event-queue head pointer for a market.
type HeadUpdate struct {
	Head               uint64     `json:"head"`
	PreviousHead       uint64     `json:"previousHead"`
	HeadSeqNum         uint64     `json:"headSeqNum"`
	PreviousHeadSeqNum uint64     `json:"previousHeadSeqNum"`
	Status             FillStatus `json:"status"`
	MarketKey          string     `json:"marketKey"`
	MarketName         string     `json:"marketName"`
	Slot               uint64     `json:"slot"`
	WriteVersion       uint64     `json:"writeVersion"`
}

// Message is the tagged union produced by DecodeMessage. Exactly one of Fill
// and Head is set, matching Kind.
type Message struct {
	Kind MessageKind
	Fill *FillEvent
	Head *HeadUpdate
}

// DecodeMessage classifies a raw payload by structure. Payloads with an
// "event" member are fills, ones with a "head" member are head updates, and
// anything else decodes as KindUnknown without error.
func DecodeMessage(raw []byte) (Message, error) {
	var peek struct {
		Event json.RawMessage `json:"event"`
		Head  json.RawMessage `json:"head"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return Message{}, fmt.Errorf("fillsfeed: decode message: %w", err)
	}

	switch {
	case present(peek.Event):
		var fill FillEvent
		if err := json.Unmarshal(raw, &fill); err != nil {
			return Message{}, fmt.Errorf("fillsfeed: decode fill: %w", err)
		}
		return Message{Kind: KindFill, Fill: &fill}, nil
	case present(peek.Head):
		var head HeadUpdate
		if err := json.Unmarshal(raw, &head); err != nil {
			return Message{}, fmt.Errorf("fillsfeed: decode head update: %w", err)
		}
		return Message{Kind: KindHead, Head: &head}, nil
	default:
		return Message{Kind: KindUnknown}, nil
	}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
