// Package emp implements the encrypted marginal-price batch auction.
// Bidders commit a quote amount in the clear and seal the base amount
// they want in return; after conclusion the lot's private key is
// submitted, bids are decrypted into a price-ordered queue, and
// settlement clears every winner at the single marginal price that
// exhausts capacity.
package emp

import (
	"crypto/rsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/modules/batch"
)

// Keycode identifies the encrypted marginal-price mechanism.
const Keycode core.Keycode = "EMPA"

// Params is the creation payload. MinPrice is quote units per whole base
// token; bids whose implied price falls below it are discarded at
// decryption. PublicKeyPEM is the key bids must be sealed to.
type Params struct {
	MinPrice       *big.Int `cbor:"min_price"`
	MinFillPercent uint64   `cbor:"min_fill_percent"`
	PublicKeyPEM   string   `cbor:"public_key_pem"`
}

// Output is the settlement output blob consumed by condensers.
type Output struct {
	MarginalPrice *big.Int `cbor:"marginal_price"`
}

type lotConfig struct {
	minPrice  *big.Int
	minFilled *big.Int
	baseScale *big.Int
	publicKey *rsa.PublicKey
	publicPEM string

	decrypter Decrypter
	keyID     string

	sealed    map[uint64]SealedAmount
	amountOut map[uint64]*big.Int // decrypted commitment; zero marks an invalid bid
	cursor    int                 // next index in Order to decrypt

	marginalPrice *big.Int
}

// Module is the EMPA implementation of core.BatchAuctionModule, extended
// with the decryption phase (SubmitPrivateKey, DecryptAndSortBids).
type Module struct {
	version uint8
	book    *batch.Book
	cfgs    map[uint64]*lotConfig
}

var _ core.BatchAuctionModule = (*Module)(nil)

func New(version uint8, cfg batch.Config) *Module {
	return &Module{
		version: version,
		book:    batch.NewBook(cfg),
		cfgs:    make(map[uint64]*lotConfig),
	}
}

func (m *Module) Keycode() core.Keycode { return Keycode }
func (m *Module) Version() uint8        { return m.version }
func (m *Module) Type() core.ModuleType { return core.ModuleAuction }

func (m *Module) Auction(lotID uint64, params core.AuctionParams, quoteDecimals, baseDecimals uint8) error {
	var p Params
	if err := cbor.Unmarshal(params.Implementation, &p); err != nil {
		return fmt.Errorf("%w: implementation params: %v", core.ErrInvalidParam, err)
	}
	if err := core.RequirePositive("min price", p.MinPrice); err != nil {
		return err
	}
	if p.MinFillPercent > core.OneHundredPercent {
		return fmt.Errorf("%w: min fill %d exceeds 100%%", core.ErrInvalidParam, p.MinFillPercent)
	}
	if params.CapacityInQuote {
		// No fixed price exists to convert with; the marginal price is
		// unknown until settlement.
		return fmt.Errorf("%w: marginal-price lots denominate capacity in base tokens", core.ErrInvalidParam)
	}
	pub, err := ParsePublicKeyPEM(p.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", core.ErrInvalidParam, err)
	}

	if _, err := m.book.CreateLot(lotID, params, params.Capacity, quoteDecimals, baseDecimals); err != nil {
		return err
	}

	m.cfgs[lotID] = &lotConfig{
		minPrice:  core.Clone(p.MinPrice),
		minFilled: core.PercentOfUp(params.Capacity, p.MinFillPercent),
		baseScale: core.TokenScale(baseDecimals),
		publicKey: pub,
		publicPEM: p.PublicKeyPEM,
		sealed:    make(map[uint64]SealedAmount),
		amountOut: make(map[uint64]*big.Int),
	}
	return nil
}

func (m *Module) Cancel(lotID uint64) error {
	return m.book.Cancel(lotID)
}

func (m *Module) Lot(lotID uint64) (core.Lot, error) {
	return m.book.Snapshot(lotID)
}

// PublicKeyPEM returns the key bidders seal their amount-out to.
func (m *Module) PublicKeyPEM(lotID uint64) (string, error) {
	cfg, ok := m.cfgs[lotID]
	if !ok {
		return "", fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	return cfg.publicPEM, nil
}

// Bid stores the sealed commitment alongside the quote amount. There is
// no early conclusion here: amounts out are opaque until decryption, so
// capacity exhaustion cannot be observed while the lot is live.
func (m *Module) Bid(lotID uint64, bidder, referrer common.Address, amount *big.Int, auctionData []byte) (uint64, error) {
	var sa SealedAmount
	if err := cbor.Unmarshal(auctionData, &sa); err != nil {
		return 0, fmt.Errorf("%w: sealed bid envelope: %v", core.ErrInvalidParam, err)
	}
	if sa.AESKeyEncrypted == "" || sa.EncryptedPayload == "" || sa.Nonce == "" {
		return 0, fmt.Errorf("%w: sealed bid envelope incomplete", core.ErrInvalidParam)
	}

	_, bid, err := m.book.SubmitBid(lotID, bidder, referrer, amount)
	if err != nil {
		return 0, err
	}
	m.cfgs[lotID].sealed[bid.ID] = sa
	return bid.ID, nil
}

func (m *Module) RefundBid(lotID, bidID uint64, caller common.Address) (*big.Int, error) {
	return m.book.RefundBid(lotID, bidID, caller)
}

// SubmitPrivateKey hands the module the lot's private key after
// conclusion, enabling decryption. The key must match the public key the
// lot was created with. Returns an audit id for the submission.
func (m *Module) SubmitPrivateKey(lotID uint64, privateKeyPEM string) (string, error) {
	s, err := m.book.Lot(lotID)
	if err != nil {
		return "", err
	}
	cfg := m.cfgs[lotID]
	if s.Status != core.LotCreated {
		return "", fmt.Errorf("%w: lot %d is %s", core.ErrInvalidState, lotID, s.Status)
	}
	if now := m.book.Now(); now < s.Conclusion {
		return "", fmt.Errorf("%w: lot %d still live, key submission opens at %d", core.ErrInvalidState, lotID, s.Conclusion)
	}
	if cfg.decrypter != nil {
		return "", fmt.Errorf("%w: lot %d private key already submitted", core.ErrInvalidState, lotID)
	}

	priv, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("%w: private key: %v", core.ErrInvalidParam, err)
	}
	if !priv.PublicKey.Equal(cfg.publicKey) {
		return "", fmt.Errorf("%w: private key does not match the lot's public key", core.ErrInvalidParam)
	}

	cfg.decrypter = NewHybridDecrypter(priv)
	cfg.keyID = uuid.NewString()
	return cfg.keyID, nil
}

// DecryptAndSortBids decrypts up to max pending bids in submission order
// and reports how many it processed and how many still wait in the queue.
// A bid that fails to unseal, commits a zero or oversized amount, or
// implies a price below the lot minimum is marked invalid (fully
// refundable) rather than failing the batch. Once every bid is processed
// the lot moves to the Decrypted state.
func (m *Module) DecryptAndSortBids(lotID uint64, max int) (done, remaining int, err error) {
	s, err := m.book.Lot(lotID)
	if err != nil {
		return 0, 0, err
	}
	cfg := m.cfgs[lotID]
	if s.Status != core.LotCreated {
		return 0, 0, fmt.Errorf("%w: lot %d is %s", core.ErrInvalidState, lotID, s.Status)
	}
	if now := m.book.Now(); now < s.Conclusion {
		return 0, 0, fmt.Errorf("%w: lot %d still live", core.ErrInvalidState, lotID)
	}
	if cfg.decrypter == nil && cfg.cursor < len(s.Order) {
		return 0, 0, fmt.Errorf("%w: lot %d has no private key yet", core.ErrInvalidState, lotID)
	}

	for cfg.cursor < len(s.Order) && done < max {
		bid := s.Bids[s.Order[cfg.cursor]]
		cfg.cursor++
		if bid.Status == core.BidClaimed { // refunded before conclusion
			continue
		}

		amountOut := new(big.Int)
		if out, err := cfg.decrypter.Unseal(cfg.sealed[bid.ID]); err == nil &&
			out.Sign() > 0 && out.Cmp(batch.MaxBidAmount) <= 0 {
			price := core.MulDivUp(bid.Amount, cfg.baseScale, out)
			if price.Cmp(cfg.minPrice) >= 0 {
				amountOut = out
			}
		}
		cfg.amountOut[bid.ID] = amountOut
		bid.Status = core.BidDecrypted
		done++
	}

	if cfg.cursor >= len(s.Order) {
		s.Status = core.LotDecrypted
	}
	return done, len(s.Order) - cfg.cursor, nil
}

type queueEntry struct {
	bidID     uint64
	amountIn  *big.Int
	amountOut *big.Int
	price     *big.Int
}

// queue builds the clearing order: price descending, earlier bid first on
// ties. Invalid bids (zero amount-out) are excluded.
func (m *Module) queue(s *batch.LotState, cfg *lotConfig) []queueEntry {
	entries := make([]queueEntry, 0, len(s.Order))
	for _, id := range s.Order {
		bid := s.Bids[id]
		if bid.Status != core.BidDecrypted {
			continue
		}
		out := cfg.amountOut[id]
		if out == nil || out.Sign() == 0 {
			continue
		}
		entries = append(entries, queueEntry{
			bidID:     id,
			amountIn:  bid.Amount,
			amountOut: out,
			price:     core.MulDivUp(bid.Amount, cfg.baseScale, out),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		switch entries[i].price.Cmp(entries[j].price) {
		case 1:
			return true
		case -1:
			return false
		default:
			return entries[i].bidID < entries[j].bidID
		}
	})
	return entries
}

// Settle walks the queue from the highest price down until cumulative
// demand fills capacity, fixing the marginal price. Winners are flagged
// here so claims never re-derive the cutoff. Payout conversions round
// down and the partial bidder's refund rounds up; capacity can therefore
// never be oversold.
func (m *Module) Settle(lotID uint64) (core.Settlement, error) {
	s, err := m.book.RequireSettleable(lotID, core.LotDecrypted)
	if err != nil {
		return core.Settlement{}, err
	}
	cfg := m.cfgs[lotID]

	entries := m.queue(s, cfg)
	capacity := core.Clone(s.Capacity)

	var (
		marginalPrice *big.Int
		sold          = new(big.Int)
		purchased     = new(big.Int)
		totalIn       = new(big.Int)
		filledAt      = -1 // queue index of the bid that filled capacity
		partialAt     = -1
	)

	for i, e := range entries {
		prevIn := core.Clone(totalIn)

		// Earlier winners alone may exhaust capacity at this entry's
		// price level; then the marginal price is the one that sells
		// capacity exactly, and this entry gets nothing.
		if core.MulDivDown(prevIn, cfg.baseScale, e.price).Cmp(capacity) >= 0 {
			marginalPrice = core.MulDivUp(prevIn, cfg.baseScale, capacity)
			sold = core.MulDivDown(prevIn, cfg.baseScale, marginalPrice)
			purchased = prevIn
			filledAt = i
			break
		}

		totalIn.Add(totalIn, e.amountIn)
		expended := core.MulDivDown(totalIn, cfg.baseScale, e.price)
		if expended.Cmp(capacity) >= 0 {
			marginalPrice = core.Clone(e.price)
			if expended.Cmp(capacity) > 0 {
				// This entry straddles the boundary: cap its payout to
				// the remaining capacity, charge for exactly that, and
				// refund the rest.
				capacityBefore := core.MulDivDown(prevIn, cfg.baseScale, e.price)
				partialPayout := new(big.Int).Sub(capacity, capacityBefore)
				paid := core.MulDivDown(partialPayout, e.price, cfg.baseScale)
				s.Partial = &batch.PartialFill{
					BidID:  e.bidID,
					Refund: new(big.Int).Sub(e.amountIn, paid),
					Payout: partialPayout,
				}
				partialAt = i
				purchased = new(big.Int).Add(prevIn, paid)
			} else {
				purchased = core.Clone(totalIn)
			}
			sold = core.Clone(capacity)
			filledAt = i + 1
			break
		}
	}

	cleared := false
	switch {
	case filledAt >= 0:
		cleared = true
	default:
		// Undersubscribed: everything clears at the minimum price,
		// unless even that would oversell capacity, in which case the
		// marginal price rises to the level that sells it exactly.
		marginalPrice = core.Clone(cfg.minPrice)
		out := core.MulDivDown(totalIn, cfg.baseScale, marginalPrice)
		if out.Cmp(capacity) > 0 {
			marginalPrice = core.MulDivUp(totalIn, cfg.baseScale, capacity)
			out = core.MulDivDown(totalIn, cfg.baseScale, marginalPrice)
		}
		if out.Cmp(cfg.minFilled) >= 0 {
			cleared = true
			sold = out
			purchased = core.Clone(totalIn)
			filledAt = len(entries)
		}
	}

	s.Status = core.LotSettled
	s.Cleared = cleared
	s.Capacity.SetUint64(0)

	output, err := cbor.Marshal(Output{MarginalPrice: marginalPrice})
	if err != nil {
		return core.Settlement{}, fmt.Errorf("encoding settlement output: %w", err)
	}

	if !cleared {
		return core.Settlement{Cleared: false, TotalIn: new(big.Int), TotalOut: new(big.Int), AuctionOutput: output}, nil
	}

	cfg.marginalPrice = marginalPrice
	for i, e := range entries {
		switch {
		case i == partialAt:
			s.Outcomes[e.bidID] = batch.OutcomePartial
		case i < filledAt:
			s.Outcomes[e.bidID] = batch.OutcomeWon
		default:
			s.Outcomes[e.bidID] = batch.OutcomeLost
		}
	}
	s.Sold.Set(sold)
	s.Purchased.Set(purchased)
	return core.Settlement{
		Cleared:       true,
		TotalIn:       core.Clone(purchased),
		TotalOut:      core.Clone(sold),
		AuctionOutput: output,
	}, nil
}

func (m *Module) Abort(lotID uint64) error {
	return m.book.Abort(lotID)
}

func (m *Module) ClaimBids(lotID uint64, bidIDs []uint64) ([]core.BidClaim, error) {
	s, err := m.book.RequireClaimable(lotID)
	if err != nil {
		return nil, err
	}
	cfg := m.cfgs[lotID]

	claims := make([]core.BidClaim, 0, len(bidIDs))
	for _, bidID := range bidIDs {
		bid, err := s.TakeBidForClaim(lotID, bidID)
		if err != nil {
			return nil, err
		}

		claim := core.BidClaim{
			BidID:    bid.ID,
			Bidder:   bid.Bidder,
			Referrer: bid.Referrer,
			Paid:     new(big.Int),
			Refund:   new(big.Int),
			Payout:   new(big.Int),
		}

		switch {
		case s.Status == core.LotAborted || !s.Cleared:
			claim.Refund = core.Clone(bid.Amount)
		case s.Outcomes[bid.ID] == batch.OutcomeWon:
			claim.Paid = core.Clone(bid.Amount)
			claim.Payout = core.MulDivDown(bid.Amount, cfg.baseScale, cfg.marginalPrice)
		case s.Outcomes[bid.ID] == batch.OutcomePartial:
			claim.Paid = new(big.Int).Sub(bid.Amount, s.Partial.Refund)
			claim.Refund = core.Clone(s.Partial.Refund)
			claim.Payout = core.Clone(s.Partial.Payout)
		default:
			// Lost at the margin, below min price, or failed to decrypt.
			claim.Refund = core.Clone(bid.Amount)
		}
		claims = append(claims, claim)
	}
	return claims, nil
}
