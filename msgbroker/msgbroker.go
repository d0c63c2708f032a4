package msgbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nftex/exchange-core/exchange"
)

// TopicHandler is function that processes a received message.
// If no error is returned, the message will be automatically acked.
// If an error is returned, the message will be automatically nacked.
type TopicHandler func(context.Context, []byte) error

// MsgBroker is a message-broker for async message communication.
type MsgBroker interface {
	// RegisterTopicHandler registers a handler to a topic, with a defined
	// subscription defined by the underlying implementation. Is highly recommended
	// to register handlers in a type-safe way using RegisterHandlers().
	RegisterTopicHandler(topic TopicName, handler TopicHandler, opts ...Option) error

	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topicName TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

const (
	// AuctionCreatedTopic is the topic name for auction-created messages.
	AuctionCreatedTopic TopicName = "auction-created"
	// BidPlacedTopic is the topic name for bid-placed messages.
	BidPlacedTopic = "bid-placed"
	// AuctionExtendedTopic is the topic name for auction-extended messages.
	AuctionExtendedTopic = "auction-extended"
	// AuctionSettledTopic is the topic name for auction-settled messages.
	AuctionSettledTopic = "auction-settled"
	// AuctionCanceledTopic is the topic name for auction-canceled messages.
	AuctionCanceledTopic = "auction-canceled"
	// ItemListedTopic is the topic name for item-listed messages.
	ItemListedTopic = "item-listed"
	// ItemSoldTopic is the topic name for item-sold messages.
	ItemSoldTopic = "item-sold"
	// ListingUpdatedTopic is the topic name for listing-updated messages.
	ListingUpdatedTopic = "listing-updated"
	// ListingCanceledTopic is the topic name for listing-canceled messages.
	ListingCanceledTopic = "listing-canceled"
)

// OperationID is a unique identifier for messages, used by consumers for
// de-duplication.
type OperationID string

// envelope wraps every published payload with an operation id.
type envelope struct {
	OperationID string          `json:"operation_id"`
	Payload     json.RawMessage `json:"payload"`
}

// AuctionSettledMsg is the payload for the auction-settled topic. A zero
// Winner address means the auction ended without bids and the asset returned
// to the seller.
type AuctionSettledMsg struct {
	AuctionID      exchange.AuctionID `json:"auction_id"`
	Winner         common.Address     `json:"winner"`
	FinalPrice     *big.Int           `json:"final_price"`
	PlatformFee    *big.Int           `json:"platform_fee"`
	Royalty        *big.Int           `json:"royalty"`
	SellerProceeds *big.Int           `json:"seller_proceeds"`
}

// AuctionExtendedMsg is the payload for the auction-extended topic.
type AuctionExtendedMsg struct {
	AuctionID  exchange.AuctionID `json:"auction_id"`
	NewEndTime time.Time          `json:"new_end_time"`
}

// AuctionCanceledMsg is the payload for the auction-canceled topic.
type AuctionCanceledMsg struct {
	AuctionID exchange.AuctionID `json:"auction_id"`
}

// ItemSoldMsg is the payload for the item-sold topic.
type ItemSoldMsg struct {
	ListingID      exchange.ListingID `json:"listing_id"`
	Buyer          common.Address     `json:"buyer"`
	Price          *big.Int           `json:"price"`
	PlatformFee    *big.Int           `json:"platform_fee"`
	Royalty        *big.Int           `json:"royalty"`
	SellerProceeds *big.Int           `json:"seller_proceeds"`
}

// ListingUpdatedMsg is the payload for the listing-updated topic.
type ListingUpdatedMsg struct {
	ListingID exchange.ListingID `json:"listing_id"`
	NewPrice  *big.Int           `json:"new_price"`
}

// ListingCanceledMsg is the payload for the listing-canceled topic.
type ListingCanceledMsg struct {
	ListingID exchange.ListingID `json:"listing_id"`
}

// AuctionCreatedListener is a handler for the auction-created topic.
type AuctionCreatedListener interface {
	OnAuctionCreated(context.Context, OperationID, exchange.Auction) error
}

// BidPlacedListener is a handler for the bid-placed topic.
type BidPlacedListener interface {
	OnBidPlaced(context.Context, OperationID, exchange.Bid) error
}

// AuctionExtendedListener is a handler for the auction-extended topic.
type AuctionExtendedListener interface {
	OnAuctionExtended(context.Context, OperationID, AuctionExtendedMsg) error
}

// AuctionSettledListener is a handler for the auction-settled topic.
type AuctionSettledListener interface {
	OnAuctionSettled(context.Context, OperationID, AuctionSettledMsg) error
}

// AuctionCanceledListener is a handler for the auction-canceled topic.
type AuctionCanceledListener interface {
	OnAuctionCanceled(context.Context, OperationID, AuctionCanceledMsg) error
}

// ItemListedListener is a handler for the item-listed topic.
type ItemListedListener interface {
	OnItemListed(context.Context, OperationID, exchange.Listing) error
}

// ItemSoldListener is a handler for the item-sold topic.
type ItemSoldListener interface {
	OnItemSold(context.Context, OperationID, ItemSoldMsg) error
}

// ListingUpdatedListener is a handler for the listing-updated topic.
type ListingUpdatedListener interface {
	OnListingUpdated(context.Context, OperationID, ListingUpdatedMsg) error
}

// ListingCanceledListener is a handler for the listing-canceled topic.
type ListingCanceledListener interface {
	OnListingCanceled(context.Context, OperationID, ListingCanceledMsg) error
}

// RegisterHandlers automatically calls mb.RegisterTopicHandler in the methods that
// s might satisfy on known XXXListener interfaces. This allows to automatically wire
// s to receive messages from topics of implemented handlers.
func RegisterHandlers(mb MsgBroker, s interface{}, opts ...Option) error {
	var countRegistered int
	if l, ok := s.(AuctionCreatedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionCreatedTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var a exchange.Auction
			if err := json.Unmarshal(payload, &a); err != nil {
				return fmt.Errorf("unmarshal auction created: %s", err)
			}
			if a.ID == 0 {
				return errors.New("auction id is empty")
			}
			if a.StartPrice == nil || a.StartPrice.Sign() <= 0 {
				return errors.New("start price isn't positive")
			}
			if err := l.OnAuctionCreated(ctx, opID, a); err != nil {
				return fmt.Errorf("calling auction-created handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-created topic: %s", err)
		}
	}

	if l, ok := s.(BidPlacedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(BidPlacedTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var b exchange.Bid
			if err := json.Unmarshal(payload, &b); err != nil {
				return fmt.Errorf("unmarshal bid placed: %s", err)
			}
			if b.AuctionID == 0 {
				return errors.New("auction id is empty")
			}
			if b.Amount == nil || b.Amount.Sign() <= 0 {
				return errors.New("bid amount isn't positive")
			}
			if err := l.OnBidPlaced(ctx, opID, b); err != nil {
				return fmt.Errorf("calling bid-placed handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for bid-placed topic: %s", err)
		}
	}

	if l, ok := s.(AuctionExtendedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionExtendedTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var m AuctionExtendedMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("unmarshal auction extended: %s", err)
			}
			if m.AuctionID == 0 {
				return errors.New("auction id is empty")
			}
			if m.NewEndTime.IsZero() {
				return errors.New("new end time is empty")
			}
			if err := l.OnAuctionExtended(ctx, opID, m); err != nil {
				return fmt.Errorf("calling auction-extended handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-extended topic: %s", err)
		}
	}

	if l, ok := s.(AuctionSettledListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionSettledTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var m AuctionSettledMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("unmarshal auction settled: %s", err)
			}
			if m.AuctionID == 0 {
				return errors.New("auction id is empty")
			}
			if m.FinalPrice == nil {
				return errors.New("final price is empty")
			}
			if err := l.OnAuctionSettled(ctx, opID, m); err != nil {
				return fmt.Errorf("calling auction-settled handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-settled topic: %s", err)
		}
	}

	if l, ok := s.(AuctionCanceledListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionCanceledTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var m AuctionCanceledMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("unmarshal auction canceled: %s", err)
			}
			if m.AuctionID == 0 {
				return errors.New("auction id is empty")
			}
			if err := l.OnAuctionCanceled(ctx, opID, m); err != nil {
				return fmt.Errorf("calling auction-canceled handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-canceled topic: %s", err)
		}
	}

	if l, ok := s.(ItemListedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(ItemListedTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var li exchange.Listing
			if err := json.Unmarshal(payload, &li); err != nil {
				return fmt.Errorf("unmarshal item listed: %s", err)
			}
			if li.ID == 0 {
				return errors.New("listing id is empty")
			}
			if li.Price == nil || li.Price.Sign() <= 0 {
				return errors.New("listing price isn't positive")
			}
			if err := l.OnItemListed(ctx, opID, li); err != nil {
				return fmt.Errorf("calling item-listed handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for item-listed topic: %s", err)
		}
	}

	if l, ok := s.(ItemSoldListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(ItemSoldTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var m ItemSoldMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("unmarshal item sold: %s", err)
			}
			if m.ListingID == 0 {
				return errors.New("listing id is empty")
			}
			if m.Price == nil || m.Price.Sign() <= 0 {
				return errors.New("sale price isn't positive")
			}
			if err := l.OnItemSold(ctx, opID, m); err != nil {
				return fmt.Errorf("calling item-sold handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for item-sold topic: %s", err)
		}
	}

	if l, ok := s.(ListingUpdatedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(ListingUpdatedTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var m ListingUpdatedMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("unmarshal listing updated: %s", err)
			}
			if m.ListingID == 0 {
				return errors.New("listing id is empty")
			}
			if m.NewPrice == nil || m.NewPrice.Sign() <= 0 {
				return errors.New("new price isn't positive")
			}
			if err := l.OnListingUpdated(ctx, opID, m); err != nil {
				return fmt.Errorf("calling listing-updated handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for listing-updated topic: %s", err)
		}
	}

	if l, ok := s.(ListingCanceledListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(ListingCanceledTopic, func(ctx context.Context, data []byte) error {
			opID, payload, err := openEnvelope(data)
			if err != nil {
				return err
			}
			var m ListingCanceledMsg
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("unmarshal listing canceled: %s", err)
			}
			if m.ListingID == 0 {
				return errors.New("listing id is empty")
			}
			if err := l.OnListingCanceled(ctx, opID, m); err != nil {
				return fmt.Errorf("calling listing-canceled handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for listing-canceled topic: %s", err)
		}
	}

	if countRegistered == 0 {
		return errors.New("no handlers were registered")
	}
	return nil
}

// PublishMsgAuctionCreated publishes a message to the auction-created topic.
func PublishMsgAuctionCreated(ctx context.Context, mb MsgBroker, a exchange.Auction) error {
	return publishJSON(ctx, mb, AuctionCreatedTopic, a)
}

// PublishMsgBidPlaced publishes a message to the bid-placed topic.
func PublishMsgBidPlaced(ctx context.Context, mb MsgBroker, b exchange.Bid) error {
	return publishJSON(ctx, mb, BidPlacedTopic, b)
}

// PublishMsgAuctionExtended publishes a message to the auction-extended topic.
func PublishMsgAuctionExtended(ctx context.Context, mb MsgBroker, m AuctionExtendedMsg) error {
	return publishJSON(ctx, mb, AuctionExtendedTopic, m)
}

// PublishMsgAuctionSettled publishes a message to the auction-settled topic.
func PublishMsgAuctionSettled(ctx context.Context, mb MsgBroker, m AuctionSettledMsg) error {
	return publishJSON(ctx, mb, AuctionSettledTopic, m)
}

// PublishMsgAuctionCanceled publishes a message to the auction-canceled topic.
func PublishMsgAuctionCanceled(ctx context.Context, mb MsgBroker, m AuctionCanceledMsg) error {
	return publishJSON(ctx, mb, AuctionCanceledTopic, m)
}

// PublishMsgItemListed publishes a message to the item-listed topic.
func PublishMsgItemListed(ctx context.Context, mb MsgBroker, li exchange.Listing) error {
	return publishJSON(ctx, mb, ItemListedTopic, li)
}

// PublishMsgItemSold publishes a message to the item-sold topic.
func PublishMsgItemSold(ctx context.Context, mb MsgBroker, m ItemSoldMsg) error {
	return publishJSON(ctx, mb, ItemSoldTopic, m)
}

// PublishMsgListingUpdated publishes a message to the listing-updated topic.
func PublishMsgListingUpdated(ctx context.Context, mb MsgBroker, m ListingUpdatedMsg) error {
	return publishJSON(ctx, mb, ListingUpdatedTopic, m)
}

// PublishMsgListingCanceled publishes a message to the listing-canceled topic.
func PublishMsgListingCanceled(ctx context.Context, mb MsgBroker, m ListingCanceledMsg) error {
	return publishJSON(ctx, mb, ListingCanceledTopic, m)
}

func publishJSON(ctx context.Context, mb MsgBroker, topic TopicName, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %s", topic, err)
	}
	data, err := json.Marshal(envelope{
		OperationID: uuid.New().String(),
		Payload:     raw,
	})
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %s", topic, err)
	}
	if err := mb.PublishMsg(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s message: %s", topic, err)
	}
	return nil
}

func openEnvelope(data []byte) (OperationID, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %s", err)
	}
	if env.OperationID == "" {
		return "", nil, errors.New("operation-id is empty")
	}
	return OperationID(env.OperationID), env.Payload, nil
}
