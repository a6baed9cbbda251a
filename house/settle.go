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
)

// Settle clears a concluded batch lot. Anyone may call. On a cleared
// lot the house reserves the fee share of the proceeds, pays the
// curator, and condenses derivative parameters once so every later
// claim mints on identical terms.
func (h *AuctionHouse) Settle(caller common.Address, lotID uint64) (core.Settlement, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return core.Settlement{}, err
	}
	bm, err := h.batchModule(r)
	if err != nil {
		return core.Settlement{}, err
	}

	settlement, err := bm.Settle(lotID)
	if err != nil {
		return core.Settlement{}, err
	}
	r.Settlement = &settlement

	if settlement.Cleared {
		r.FeeReserve = core.PercentOfUp(settlement.TotalIn, r.Fees.Protocol+r.Fees.Referrer)
		r.FeeOutstanding = core.Clone(r.FeeReserve)

		if r.CuratorApproved && r.CuratorRate > 0 {
			curatorPay := core.PercentOfDown(settlement.TotalOut, r.CuratorRate)
			if curatorPay.Cmp(r.CuratorEscrow) > 0 {
				curatorPay = core.Clone(r.CuratorEscrow)
			}
			r.CuratorPaid.Set(curatorPay)
			h.accrue(r.Base, r.Curator, curatorPay)
		}

		if r.DerivativeRef.Keycode != "" {
			if err := h.condenseParams(r, settlement.AuctionOutput); err != nil {
				return core.Settlement{}, err
			}
		}
	}

	if r.Callback != nil {
		if err := r.Callback.OnSettle(lotID, settlement.TotalIn, settlement.TotalOut, r.CallbackData); err != nil {
			h.log.WithError(err).WithField("lot_id", lotID).Warn("onSettle hook failed")
		}
	}

	h.archive(func(db store.Archive) error {
		return db.SaveSettlement(context.Background(), store.SettlementRecord{
			LotID:     lotID,
			Cleared:   settlement.Cleared,
			TotalIn:   store.Amount(settlement.TotalIn),
			TotalOut:  store.Amount(settlement.TotalOut),
			SettledAt: h.clock(),
		})
	})

	e := h.newEvent(events.LotSettled)
	e.LotID = lotID
	e.Actor = caller.Hex()
	e.Amount = store.Amount(settlement.TotalIn)
	e.Payout = store.Amount(settlement.TotalOut)
	h.emit(e)

	h.log.WithFields(logrus.Fields{
		"lot_id":    lotID,
		"cleared":   settlement.Cleared,
		"total_in":  settlement.TotalIn,
		"total_out": settlement.TotalOut,
	}).Info("lot settled")
	return settlement, nil
}

func (h *AuctionHouse) condenseParams(r *Routing, auctionOutput []byte) error {
	key := condenserKey{auction: r.AuctionRef.Keycode, derivative: r.DerivativeRef.Keycode}
	ref, ok := h.condensers[key]
	if !ok {
		return nil
	}
	mod, err := h.reg.Exact(ref.Keycode, ref.Version)
	if err != nil {
		return err
	}
	cm, ok := mod.(core.CondenserModule)
	if !ok {
		return fmt.Errorf("%w: %s is not a condenser", core.ErrInvalidState, ref)
	}
	condensed, err := cm.Condense(auctionOutput, r.DerivativeParams)
	if err != nil {
		return fmt.Errorf("condensing lot %d derivative params: %w", r.LotID, err)
	}
	r.condensedParams = condensed
	return nil
}

// Abort marks a concluded batch lot as terminally failed once its
// settlement window has lapsed. Anyone may call; every bid becomes
// refundable through ClaimBids and the seller recovers the escrow
// through ClaimProceeds.
func (h *AuctionHouse) Abort(caller common.Address, lotID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return err
	}
	bm, err := h.batchModule(r)
	if err != nil {
		return err
	}
	if err := bm.Abort(lotID); err != nil {
		return err
	}
	r.Aborted = true

	h.archive(func(db store.Archive) error {
		return db.SaveSettlement(context.Background(), store.SettlementRecord{
			LotID:     lotID,
			Cleared:   false,
			TotalIn:   "0",
			TotalOut:  "0",
			SettledAt: h.clock(),
		})
	})

	e := h.newEvent(events.LotAborted)
	e.LotID = lotID
	e.Actor = caller.Hex()
	h.emit(e)

	h.log.WithField("lot_id", lotID).Warn("lot aborted")
	return nil
}

// ClaimBids resolves bids after settlement or abort. Refunds return to
// each bidder in quote; payouts deliver in base or as the lot's
// derivative. Protocol and referrer fees come out of the reserved
// seller proceeds, not the bidder's payout.
func (h *AuctionHouse) ClaimBids(lotID uint64, bidIDs []uint64) ([]core.BidClaim, error) {
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

	claims, err := bm.ClaimBids(lotID, bidIDs)
	if err != nil {
		return nil, err
	}

	now := h.clock()
	for _, claim := range claims {
		if claim.Paid.Sign() > 0 {
			toProtocol, toReferrer := h.quoteFees(r.Fees, claim.Referrer, claim.Paid)
			h.accrue(r.Quote, h.protocol, toProtocol)
			h.accrue(r.Quote, claim.Referrer, toReferrer)
			r.FeeOutstanding.Sub(r.FeeOutstanding, toProtocol)
			r.FeeOutstanding.Sub(r.FeeOutstanding, toReferrer)
		}
		if err := h.send(r.Quote, claim.Bidder, claim.Refund); err != nil {
			return nil, err
		}
		if err := h.deliverPayout(r, claim.Bidder, claim.Payout); err != nil {
			return nil, err
		}

		c := claim
		h.archive(func(db store.Archive) error {
			_, err := db.SaveClaim(context.Background(), store.ClaimRecord{
				LotID:     lotID,
				BidID:     c.BidID,
				Bidder:    c.Bidder.Hex(),
				Paid:      store.Amount(c.Paid),
				Refund:    store.Amount(c.Refund),
				Payout:    store.Amount(c.Payout),
				ClaimedAt: now,
			})
			return err
		})

		e := h.newEvent(events.BidsClaimed)
		e.LotID = lotID
		e.BidID = claim.BidID
		e.Actor = claim.Bidder.Hex()
		e.Amount = store.Amount(claim.Refund)
		e.Payout = store.Amount(claim.Payout)
		h.emit(e)
	}
	return claims, nil
}

// ClaimProceeds pays the seller after a batch lot resolves: quote
// proceeds net of the fee reserve when the lot cleared, plus whatever
// base escrow the settlement did not consume. Seller only, once.
func (h *AuctionHouse) ClaimProceeds(caller common.Address, lotID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return err
	}
	if caller != r.Seller {
		return fmt.Errorf("%w: only the seller may claim proceeds", core.ErrNotAuthorized)
	}
	if r.Funding == nil {
		return fmt.Errorf("%w: lot %d is atomic, proceeds settle per purchase", core.ErrInvalidState, lotID)
	}
	if r.Settlement == nil && !r.Aborted {
		return fmt.Errorf("%w: lot %d not settled", core.ErrInvalidState, lotID)
	}
	if r.ProceedsClaimed {
		return fmt.Errorf("%w: lot %d proceeds already claimed", core.ErrInvalidState, lotID)
	}
	r.ProceedsClaimed = true

	proceeds := new(big.Int)
	baseRefund := new(big.Int).Add(r.Funding, r.CuratorEscrow)
	if r.Settlement != nil && r.Settlement.Cleared {
		proceeds.Sub(r.Settlement.TotalIn, r.FeeReserve)
		baseRefund.Sub(baseRefund, r.Settlement.TotalOut)
		baseRefund.Sub(baseRefund, r.CuratorPaid)
	}

	if err := h.send(r.Quote, r.Seller, proceeds); err != nil {
		r.ProceedsClaimed = false
		return err
	}
	dest := r.Seller
	if r.Callback != nil && r.Callback.SendsBaseTokens() {
		dest = r.Callback.Address()
	}
	if err := h.send(r.Base, dest, baseRefund); err != nil {
		return err
	}

	if r.Callback != nil {
		if err := r.Callback.OnClaimProceeds(lotID, proceeds, baseRefund, r.CallbackData); err != nil {
			h.log.WithError(err).WithField("lot_id", lotID).Warn("onClaimProceeds hook failed")
		}
	}

	e := h.newEvent(events.ProceedsClaimed)
	e.LotID = lotID
	e.Actor = caller.Hex()
	e.Amount = proceeds.String()
	e.Payout = baseRefund.String()
	h.emit(e)

	h.log.WithFields(logrus.Fields{
		"lot_id":   lotID,
		"proceeds": proceeds,
		"refund":   baseRefund,
	}).Info("proceeds claimed")
	return nil
}
