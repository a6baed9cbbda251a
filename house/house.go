// Package house implements the auction router: the single entry point
// that owns token custody, fee accounting and module dispatch. Auction
// modules hold lot and bid state but never touch tokens; every transfer
// in the protocol passes through the house with balance-delta checks.
package house

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/events"
	"github.com/batchworks/auctionhouse/registry"
	"github.com/batchworks/auctionhouse/store"
	"github.com/batchworks/auctionhouse/token"
)

// Token decimal bounds accepted for both sides of a pair.
const (
	minTokenDecimals uint8 = 6
	maxTokenDecimals uint8 = 18
)

// Routing is the house-level record of one lot: which module runs it,
// which tokens it trades, and the custody and fee state the modules
// never see.
type Routing struct {
	LotID  uint64
	Seller common.Address
	Base   token.ERC20
	Quote  token.ERC20

	AuctionRef       core.ModuleRef
	DerivativeRef    core.ModuleRef
	DerivativeParams []byte
	condensedParams  []byte

	Callback     Callback
	CallbackData []byte

	Fees FeeRates

	// Funding is the base escrowed at creation. Batch lots prefund their
	// full capacity; nil for atomic lots, which settle per purchase.
	Funding *big.Int

	Curator         common.Address
	CuratorApproved bool
	CuratorRate     uint64
	CuratorEscrow   *big.Int
	CuratorPaid     *big.Int

	// FeeReserve is quote held back from seller proceeds at settlement
	// to cover protocol and referrer fees. Fixed once the lot clears;
	// FeeOutstanding is the portion not yet accrued through bid claims,
	// so whatever remains after every claim is rounding dust that stays
	// in house custody.
	FeeReserve     *big.Int
	FeeOutstanding *big.Int

	Settlement      *core.Settlement
	Aborted         bool
	ProceedsClaimed bool
}

// RoutingParams is the caller-supplied half of lot creation; the
// mechanism-specific half travels in core.AuctionParams.
type RoutingParams struct {
	AuctionType core.Keycode
	Base        token.ERC20
	Quote       token.ERC20

	Curator common.Address

	Callback     Callback
	CallbackData []byte

	DerivativeType   core.Keycode
	DerivativeParams []byte

	// Permit authorizes the prefunding pull for batch lots.
	Permit *token.Permit
}

type condenserKey struct {
	auction    core.Keycode
	derivative core.Keycode
}

// Config assembles an AuctionHouse.
type Config struct {
	Address  common.Address // house custody account on the token ledgers
	Owner    common.Address
	Protocol common.Address // protocol fee recipient
	Clock    core.Clock
	Registry *registry.Registry
	Archive  store.Archive // optional
	Events   events.Sink   // optional
	Log      *logrus.Logger
}

// AuctionHouse is the router. All exported operations are safe for
// concurrent use; one mutex serializes lot state transitions.
type AuctionHouse struct {
	addr     common.Address
	owner    common.Address
	protocol common.Address
	clock    core.Clock
	reg      *registry.Registry
	log      *logrus.Entry
	db       store.Archive
	sink     events.Sink

	mu           sync.Mutex
	nextLotID    uint64
	lots         map[uint64]*Routing
	fees         map[core.Keycode]FeeRates
	referrers    map[common.Address]bool
	curatorRates map[common.Address]map[core.Keycode]uint64
	condensers   map[condenserKey]core.ModuleRef
	rewards      map[token.ERC20]map[common.Address]*big.Int
}

func New(cfg Config) (*AuctionHouse, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry required", core.ErrInvalidParam)
	}
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) || cfg.Protocol == (common.Address{}) {
		return nil, fmt.Errorf("%w: house, owner and protocol addresses required", core.ErrInvalidParam)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	logger := cfg.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuctionHouse{
		addr:         cfg.Address,
		owner:        cfg.Owner,
		protocol:     cfg.Protocol,
		clock:        clock,
		reg:          cfg.Registry,
		log:          logger.WithField("component", "house"),
		db:           cfg.Archive,
		sink:         cfg.Events,
		lots:         make(map[uint64]*Routing),
		fees:         make(map[core.Keycode]FeeRates),
		referrers:    make(map[common.Address]bool),
		curatorRates: make(map[common.Address]map[core.Keycode]uint64),
		condensers:   make(map[condenserKey]core.ModuleRef),
		rewards:      make(map[token.ERC20]map[common.Address]*big.Int),
	}, nil
}

// Address returns the house custody account.
func (h *AuctionHouse) Address() common.Address { return h.addr }

func (h *AuctionHouse) requireOwner(caller common.Address) error {
	if caller != h.owner {
		return fmt.Errorf("%w: owner-only operation", core.ErrNotAuthorized)
	}
	return nil
}

// InstallModule registers a new module version. Owner only.
func (h *AuctionHouse) InstallModule(caller common.Address, m core.Module) error {
	if err := h.requireOwner(caller); err != nil {
		return err
	}
	if err := h.reg.Install(m); err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{
		"keycode": m.Keycode(),
		"version": m.Version(),
		"type":    m.Type(),
	}).Info("module installed")
	return nil
}

// SunsetModule deactivates a keycode for new lots. Owner only.
func (h *AuctionHouse) SunsetModule(caller common.Address, kc core.Keycode) error {
	if err := h.requireOwner(caller); err != nil {
		return err
	}
	if err := h.reg.Sunset(kc); err != nil {
		return err
	}
	h.log.WithField("keycode", kc).Info("module sunset")
	return nil
}

// SetCondenser maps an (auction, derivative) keycode pair to the
// condenser that adapts settlement output into derivative parameters.
// An empty condenser keycode clears the mapping. Owner only.
func (h *AuctionHouse) SetCondenser(caller common.Address, auction, derivative, condenser core.Keycode) error {
	if err := h.requireOwner(caller); err != nil {
		return err
	}
	key := condenserKey{auction: auction, derivative: derivative}

	h.mu.Lock()
	defer h.mu.Unlock()
	if condenser == "" {
		delete(h.condensers, key)
		return nil
	}
	mod, err := h.reg.Latest(condenser)
	if err != nil {
		return err
	}
	if mod.Type() != core.ModuleCondenser {
		return fmt.Errorf("%w: %s is a %s module, not a condenser", core.ErrInvalidParam, condenser, mod.Type())
	}
	h.condensers[key] = core.ModuleRef{Keycode: mod.Keycode(), Version: mod.Version()}
	return nil
}

// Auction creates a lot: resolves the mechanism, registers the lot with
// it, freezes the fee schedule and, for batch mechanisms, escrows the
// full base capacity up front.
func (h *AuctionHouse) Auction(seller common.Address, rp RoutingParams, params core.AuctionParams) (uint64, error) {
	if rp.Base == nil || rp.Quote == nil {
		return 0, fmt.Errorf("%w: base and quote tokens required", core.ErrInvalidParam)
	}
	for _, t := range []token.ERC20{rp.Base, rp.Quote} {
		if d := t.Decimals(); d < minTokenDecimals || d > maxTokenDecimals {
			return 0, fmt.Errorf("%w: %s has %d decimals, supported range is %d-%d",
				core.ErrInvalidParam, t.Symbol(), d, minTokenDecimals, maxTokenDecimals)
		}
	}
	if seller == (common.Address{}) {
		return 0, fmt.Errorf("%w: seller address required", core.ErrInvalidParam)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	mod, err := h.reg.Latest(rp.AuctionType)
	if err != nil {
		return 0, err
	}
	am, ok := mod.(core.AuctionModule)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not an auction mechanism", core.ErrInvalidParam, rp.AuctionType)
	}

	var dref core.ModuleRef
	if rp.DerivativeType != "" {
		dmod, err := h.reg.Latest(rp.DerivativeType)
		if err != nil {
			return 0, err
		}
		dm, ok := dmod.(core.DerivativeModule)
		if !ok {
			return 0, fmt.Errorf("%w: %s is not a derivative module", core.ErrInvalidParam, rp.DerivativeType)
		}
		if err := dm.Validate(rp.Base, rp.DerivativeParams); err != nil {
			return 0, err
		}
		dref = core.ModuleRef{Keycode: dmod.Keycode(), Version: dmod.Version()}
	}

	lotID := h.nextLotID + 1
	if err := am.Auction(lotID, params, rp.Quote.Decimals(), rp.Base.Decimals()); err != nil {
		return 0, err
	}
	h.nextLotID = lotID

	r := &Routing{
		LotID:            lotID,
		Seller:           seller,
		Base:             rp.Base,
		Quote:            rp.Quote,
		AuctionRef:       core.ModuleRef{Keycode: mod.Keycode(), Version: mod.Version()},
		DerivativeRef:    dref,
		DerivativeParams: rp.DerivativeParams,
		Callback:         rp.Callback,
		CallbackData:     rp.CallbackData,
		Fees:             h.fees[rp.AuctionType],
		Curator:          rp.Curator,
		CuratorEscrow:    new(big.Int),
		CuratorPaid:      new(big.Int),
		FeeReserve:       new(big.Int),
		FeeOutstanding:   new(big.Int),
	}

	lot, err := am.Lot(lotID)
	if err != nil {
		return 0, err
	}

	if _, isBatch := mod.(core.BatchAuctionModule); isBatch {
		// Batch lots escrow the full base capacity so settlement can
		// never come up short. The module has already converted a
		// quote-denominated capacity to base units.
		funding := lot.Capacity
		if err := h.fundLot(r, lotID, seller, funding, rp.Permit); err != nil {
			// The module-side lot stays registered but unroutable: the
			// house is the only caller and never hands out this id.
			h.log.WithError(err).WithField("lot_id", lotID).Warn("lot funding failed, id abandoned")
			return 0, err
		}
		r.Funding = core.Clone(funding)
	} else if r.Callback != nil {
		if err := r.Callback.OnCreate(lotID, seller, lot.Capacity, false, r.CallbackData); err != nil {
			return 0, fmt.Errorf("%w: onCreate: %v", core.ErrInvalidCallback, err)
		}
	}

	h.lots[lotID] = r

	h.archive(func(db store.Archive) error {
		return db.SaveLot(context.Background(), store.LotRecord{
			LotID:       lotID,
			Keycode:     string(r.AuctionRef.Keycode),
			Version:     r.AuctionRef.Version,
			Seller:      seller.Hex(),
			BaseSymbol:  rp.Base.Symbol(),
			QuoteSymbol: rp.Quote.Symbol(),
			Capacity:    store.Amount(lot.Capacity),
			Start:       lot.Start,
			Conclusion:  lot.Conclusion,
		})
	})

	e := h.newEvent(events.LotCreated)
	e.LotID = lotID
	e.Actor = seller.Hex()
	e.Amount = store.Amount(lot.Capacity)
	h.emit(e)

	h.log.WithFields(logrus.Fields{
		"lot_id":  lotID,
		"keycode": r.AuctionRef.Keycode,
		"seller":  seller.Hex(),
	}).Info("lot created")
	return lotID, nil
}

// fundLot escrows a batch lot's base capacity, either from the seller
// wallet or from a callback that declared funding duty.
func (h *AuctionHouse) fundLot(r *Routing, lotID uint64, seller common.Address, funding *big.Int, permit *token.Permit) error {
	if r.Callback != nil && r.Callback.SendsBaseTokens() {
		return h.expectFunding(r.Base, funding, func() error {
			return r.Callback.OnCreate(lotID, seller, funding, true, r.CallbackData)
		})
	}
	if err := h.collect(r.Base, seller, funding, permit); err != nil {
		return err
	}
	if r.Callback != nil {
		if err := r.Callback.OnCreate(lotID, seller, funding, false, r.CallbackData); err != nil {
			return fmt.Errorf("%w: onCreate: %v", core.ErrInvalidCallback, err)
		}
	}
	return nil
}

// Cancel aborts a lot before its start. Seller only. Escrowed base and
// any curator fee escrow return to whoever funded them.
func (h *AuctionHouse) Cancel(caller common.Address, lotID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return err
	}
	if caller != r.Seller {
		return fmt.Errorf("%w: only the seller may cancel", core.ErrNotAuthorized)
	}
	am, err := h.auctionModule(r)
	if err != nil {
		return err
	}
	if err := am.Cancel(lotID); err != nil {
		return err
	}

	refund := new(big.Int)
	if r.Funding != nil {
		refund.Add(refund, r.Funding)
	}
	refund.Add(refund, r.CuratorEscrow)

	dest := r.Seller
	if r.Callback != nil && r.Callback.SendsBaseTokens() {
		dest = r.Callback.Address()
	}
	if err := h.send(r.Base, dest, refund); err != nil {
		return err
	}
	if r.Funding != nil {
		r.Funding.SetUint64(0)
	}
	r.CuratorEscrow.SetUint64(0)

	if r.Callback != nil {
		if err := r.Callback.OnCancel(lotID, refund, r.CallbackData); err != nil {
			h.log.WithError(err).WithField("lot_id", lotID).Warn("onCancel hook failed")
		}
	}

	e := h.newEvent(events.LotCancelled)
	e.LotID = lotID
	e.Actor = caller.Hex()
	h.emit(e)

	h.log.WithField("lot_id", lotID).Info("lot cancelled")
	return nil
}

// Curate records the named curator's approval of the lot. The curator
// fee rate is the curator's registered rate for the mechanism, capped
// by the lot's frozen maximum. Prefunded lots escrow the maximum
// possible curator fee from the seller immediately.
func (h *AuctionHouse) Curate(caller common.Address, lotID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return err
	}
	if r.Curator == (common.Address{}) || caller != r.Curator {
		return fmt.Errorf("%w: caller is not the lot's curator", core.ErrNotAuthorized)
	}
	if r.CuratorApproved {
		return fmt.Errorf("%w: lot %d already curated", core.ErrInvalidState, lotID)
	}

	am, err := h.auctionModule(r)
	if err != nil {
		return err
	}
	lot, err := am.Lot(lotID)
	if err != nil {
		return err
	}
	if lot.Status != core.LotCreated || h.clock() >= lot.Conclusion {
		return fmt.Errorf("%w: curation window closed for lot %d", core.ErrInvalidState, lotID)
	}

	rate := h.curatorRates[caller][r.AuctionRef.Keycode]
	if rate > r.Fees.MaxCurator {
		rate = r.Fees.MaxCurator
	}

	var escrow *big.Int
	if r.Funding != nil && rate > 0 {
		escrow = core.PercentOfDown(r.Funding, rate)
		if err := h.collect(r.Base, r.Seller, escrow, nil); err != nil {
			return err
		}
		r.CuratorEscrow.Set(escrow)
	}

	r.CuratorApproved = true
	r.CuratorRate = rate

	if r.Callback != nil {
		if err := r.Callback.OnCurate(lotID, escrow, r.CallbackData); err != nil {
			h.log.WithError(err).WithField("lot_id", lotID).Warn("onCurate hook failed")
		}
	}

	e := h.newEvent(events.LotCurated)
	e.LotID = lotID
	e.Actor = caller.Hex()
	h.emit(e)
	return nil
}

// Lot returns the module-level snapshot for a lot.
func (h *AuctionHouse) Lot(lotID uint64) (core.Lot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return core.Lot{}, err
	}
	am, err := h.auctionModule(r)
	if err != nil {
		return core.Lot{}, err
	}
	return am.Lot(lotID)
}

// LotRouting returns a copy of the house-level routing record.
func (h *AuctionHouse) LotRouting(lotID uint64) (Routing, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.routing(lotID)
	if err != nil {
		return Routing{}, err
	}
	return *r, nil
}

// sealedBidModule is the decryption surface of sealed-bid mechanisms.
type sealedBidModule interface {
	PublicKeyPEM(lotID uint64) (string, error)
	SubmitPrivateKey(lotID uint64, privateKeyPEM string) (string, error)
	DecryptAndSortBids(lotID uint64, max int) (done, remaining int, err error)
}

// LotPublicKey returns the bid-sealing public key for sealed-bid lots.
func (h *AuctionHouse) LotPublicKey(lotID uint64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sm, err := h.sealedModule(lotID)
	if err != nil {
		return "", err
	}
	return sm.PublicKeyPEM(lotID)
}

// SubmitPrivateKey hands the seller's decryption key to a sealed-bid
// lot after conclusion. Returns the key submission receipt id.
func (h *AuctionHouse) SubmitPrivateKey(lotID uint64, privateKeyPEM string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sm, err := h.sealedModule(lotID)
	if err != nil {
		return "", err
	}
	keyID, err := sm.SubmitPrivateKey(lotID, privateKeyPEM)
	if err != nil {
		return "", err
	}
	h.log.WithFields(logrus.Fields{"lot_id": lotID, "key_id": keyID}).Info("decryption key submitted")
	return keyID, nil
}

// DecryptBids advances sealed-bid decryption by up to max bids and
// returns how many remain.
func (h *AuctionHouse) DecryptBids(lotID uint64, max int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sm, err := h.sealedModule(lotID)
	if err != nil {
		return 0, err
	}
	_, remaining, err := sm.DecryptAndSortBids(lotID, max)
	return remaining, err
}

func (h *AuctionHouse) sealedModule(lotID uint64) (sealedBidModule, error) {
	r, err := h.routing(lotID)
	if err != nil {
		return nil, err
	}
	mod, err := h.reg.Exact(r.AuctionRef.Keycode, r.AuctionRef.Version)
	if err != nil {
		return nil, err
	}
	sm, ok := mod.(sealedBidModule)
	if !ok {
		return nil, fmt.Errorf("%w: lot %d mechanism %s takes no decryption key",
			core.ErrInvalidState, lotID, r.AuctionRef.Keycode)
	}
	return sm, nil
}

// Resolution helpers. Callers hold h.mu.

func (h *AuctionHouse) routing(lotID uint64) (*Routing, error) {
	r, ok := h.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("%w: lot %d", core.ErrNotFound, lotID)
	}
	return r, nil
}

func (h *AuctionHouse) auctionModule(r *Routing) (core.AuctionModule, error) {
	mod, err := h.reg.Exact(r.AuctionRef.Keycode, r.AuctionRef.Version)
	if err != nil {
		return nil, err
	}
	am, ok := mod.(core.AuctionModule)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an auction mechanism", core.ErrInvalidState, r.AuctionRef)
	}
	return am, nil
}

func (h *AuctionHouse) atomicModule(r *Routing) (core.AtomicAuctionModule, error) {
	mod, err := h.auctionModule(r)
	if err != nil {
		return nil, err
	}
	am, ok := mod.(core.AtomicAuctionModule)
	if !ok {
		return nil, fmt.Errorf("%w: lot %d is not an atomic lot", core.ErrInvalidState, r.LotID)
	}
	return am, nil
}

func (h *AuctionHouse) batchModule(r *Routing) (core.BatchAuctionModule, error) {
	mod, err := h.auctionModule(r)
	if err != nil {
		return nil, err
	}
	bm, ok := mod.(core.BatchAuctionModule)
	if !ok {
		return nil, fmt.Errorf("%w: lot %d is not a batch lot", core.ErrInvalidState, r.LotID)
	}
	return bm, nil
}

func (h *AuctionHouse) derivativeModule(r *Routing) (core.DerivativeModule, error) {
	mod, err := h.reg.Exact(r.DerivativeRef.Keycode, r.DerivativeRef.Version)
	if err != nil {
		return nil, err
	}
	dm, ok := mod.(core.DerivativeModule)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a derivative module", core.ErrInvalidState, r.DerivativeRef)
	}
	return dm, nil
}

// Infra helpers.

func (h *AuctionHouse) newEvent(t events.Type) events.Event {
	e := events.New(t)
	e.Timestamp = int64(h.clock())
	return e
}

func (h *AuctionHouse) emit(e events.Event) {
	if h.sink != nil {
		h.sink.Emit(e)
	}
}

func (h *AuctionHouse) archive(fn func(store.Archive) error) {
	if h.db == nil {
		return
	}
	if err := fn(h.db); err != nil {
		h.log.WithError(err).Warn("archive write failed")
	}
}
