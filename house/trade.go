package house

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/events"
	"github.com/batchworks/auctionhouse/store"
	"github.com/batchworks/auctionhouse/token"
)

// Purchase buys from an atomic lot. The quote amount is collected from
// the buyer, protocol and referrer fees come off the top, and the
// remainder prices the purchase. Base flows from the seller (or a
// funding callback) to the buyer in the same call; atomic lots carry no
// escrow between transactions.
func (h *AuctionHouse) Purchase(buyer common.Address, lotID uint64, referrer common.Address, amount, minAmountOut *big.Int, auctionData []byte, permit *token.Permit) (*big.Int, error) {
	if err := core.RequirePositive("amount", amount); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return nil, err
	}
	am, err := h.atomicModule(r)
	if err != nil {
		return nil, err
	}

	if err := h.collect(r.Quote, buyer, amount, permit); err != nil {
		return nil, err
	}

	toProtocol, toReferrer := h.quoteFees(r.Fees, referrer, amount)
	amountLess := new(big.Int).Sub(amount, toProtocol)
	amountLess.Sub(amountLess, toReferrer)

	payout, err := am.Purchase(lotID, amountLess, minAmountOut, auctionData)
	if err != nil {
		if rerr := h.send(r.Quote, buyer, amount); rerr != nil {
			h.log.WithError(rerr).WithField("lot_id", lotID).Error("returning quote after rejected purchase")
		}
		return nil, err
	}

	curatorFee := new(big.Int)
	if r.CuratorApproved && r.CuratorRate > 0 {
		curatorFee = core.PercentOfDown(payout, r.CuratorRate)
	}
	baseNeeded := new(big.Int).Add(payout, curatorFee)

	// Base settles against whoever funds the lot: a callback with
	// funding duty, or the seller wallet.
	if r.Callback != nil && r.Callback.SendsBaseTokens() {
		err := h.expectFunding(r.Base, baseNeeded, func() error {
			return r.Callback.OnPurchase(lotID, buyer, amountLess, payout, r.CallbackData)
		})
		if err != nil {
			if rerr := h.send(r.Quote, buyer, amount); rerr != nil {
				h.log.WithError(rerr).WithField("lot_id", lotID).Error("returning quote after failed funding")
			}
			return nil, err
		}
		if err := h.send(r.Quote, r.Callback.Address(), amountLess); err != nil {
			return nil, err
		}
	} else {
		if err := h.collect(r.Base, r.Seller, baseNeeded, nil); err != nil {
			if rerr := h.send(r.Quote, buyer, amount); rerr != nil {
				h.log.WithError(rerr).WithField("lot_id", lotID).Error("returning quote after failed funding")
			}
			return nil, fmt.Errorf("seller funding: %w", err)
		}
		if r.Callback != nil {
			if err := r.Callback.OnPurchase(lotID, buyer, amountLess, payout, r.CallbackData); err != nil {
				h.log.WithError(err).WithField("lot_id", lotID).Warn("onPurchase hook failed")
			}
		}
		if err := h.send(r.Quote, r.Seller, amountLess); err != nil {
			return nil, err
		}
	}

	h.accrue(r.Quote, h.protocol, toProtocol)
	h.accrue(r.Quote, referrer, toReferrer)
	h.accrue(r.Base, r.Curator, curatorFee)

	if err := h.deliverPayout(r, buyer, payout); err != nil {
		return nil, err
	}

	e := h.newEvent(events.Purchase)
	e.LotID = lotID
	e.Actor = buyer.Hex()
	e.Amount = amount.String()
	e.Payout = payout.String()
	h.emit(e)

	h.log.WithFields(logrus.Fields{
		"lot_id": lotID,
		"buyer":  buyer.Hex(),
		"amount": amount,
		"payout": payout,
	}).Info("purchase filled")
	return payout, nil
}

// Bid commits quote to a batch lot. The full amount is escrowed with
// the house until refund or claim; fees are taken from winning bids at
// claim time, never from the escrow itself.
func (h *AuctionHouse) Bid(bidder common.Address, lotID uint64, referrer common.Address, amount *big.Int, auctionData []byte, permit *token.Permit) (uint64, error) {
	if err := core.RequirePositive("amount", amount); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return 0, err
	}
	bm, err := h.batchModule(r)
	if err != nil {
		return 0, err
	}

	if err := h.collect(r.Quote, bidder, amount, permit); err != nil {
		return 0, err
	}

	// The hook runs before the bid commits so an allowlist rejection
	// leaves no module state behind.
	if r.Callback != nil {
		if err := r.Callback.OnBid(lotID, bidder, amount, r.CallbackData); err != nil {
			if rerr := h.send(r.Quote, bidder, amount); rerr != nil {
				h.log.WithError(rerr).WithField("lot_id", lotID).Error("returning quote after rejected bid")
			}
			return 0, fmt.Errorf("%w: onBid: %v", core.ErrInvalidCallback, err)
		}
	}

	bidID, err := bm.Bid(lotID, bidder, referrer, amount, auctionData)
	if err != nil {
		if rerr := h.send(r.Quote, bidder, amount); rerr != nil {
			h.log.WithError(rerr).WithField("lot_id", lotID).Error("returning quote after rejected bid")
		}
		return 0, err
	}

	h.archive(func(db store.Archive) error {
		return db.SaveBid(context.Background(), store.BidRecord{
			LotID:    lotID,
			BidID:    bidID,
			Bidder:   bidder.Hex(),
			Referrer: referrer.Hex(),
			Amount:   amount.String(),
		})
	})

	e := h.newEvent(events.BidSubmitted)
	e.LotID = lotID
	e.BidID = bidID
	e.Actor = bidder.Hex()
	e.Amount = amount.String()
	h.emit(e)
	return bidID, nil
}

// RefundBid withdraws a live bid before the lot concludes and returns
// the escrowed quote to the bidder.
func (h *AuctionHouse) RefundBid(caller common.Address, lotID, bidID uint64) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return nil, err
	}
	bm, err := h.batchModule(r)
	if err != nil {
		return nil, err
	}

	amount, err := bm.RefundBid(lotID, bidID, caller)
	if err != nil {
		return nil, err
	}
	if err := h.send(r.Quote, caller, amount); err != nil {
		return nil, err
	}

	e := h.newEvent(events.BidRefunded)
	e.LotID = lotID
	e.BidID = bidID
	e.Actor = caller.Hex()
	e.Amount = amount.String()
	h.emit(e)
	return amount, nil
}

// deliverPayout sends base to the recipient, or routes it through the
// lot's derivative module when one is configured. Caller holds h.mu.
func (h *AuctionHouse) deliverPayout(r *Routing, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if r.DerivativeRef.Keycode == "" {
		return h.send(r.Base, to, amount)
	}

	dm, err := h.derivativeModule(r)
	if err != nil {
		return err
	}
	params := r.DerivativeParams
	if r.condensedParams != nil {
		params = r.condensedParams
	}
	if err := h.send(r.Base, dm.Escrow(), amount); err != nil {
		return err
	}
	if _, err := dm.Mint(to, r.Base, params, amount); err != nil {
		return fmt.Errorf("minting derivative for lot %d: %w", r.LotID, err)
	}
	return nil
}
