// Package api exposes the auction house over HTTP. Addresses are
// 0x-hex, amounts are decimal strings in native token units, and
// mechanism parameter blobs travel as base64 CBOR.
package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/house"
	"github.com/batchworks/auctionhouse/token"
)

// Server wires HTTP routes to the auction house. Tokens must be
// registered by symbol before lots referencing them can be created.
type Server struct {
	app    *fiber.App
	house  *house.AuctionHouse
	tokens map[string]token.ERC20
	log    *logrus.Entry
}

func NewServer(h *house.AuctionHouse, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		app:    fiber.New(fiber.Config{DisableStartupMessage: true}),
		house:  h,
		tokens: make(map[string]token.ERC20),
		log:    log.WithField("component", "api"),
	}
	s.routes()
	return s
}

// RegisterToken makes a token addressable by symbol in lot creation.
func (s *Server) RegisterToken(t token.ERC20) {
	s.tokens[t.Symbol()] = t
}

func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error { return s.app.Shutdown() }

// App exposes the router for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	lots := s.app.Group("/lots")
	lots.Post("/", s.createLot)
	lots.Get("/:id", s.getLot)
	lots.Delete("/:id", s.cancelLot)
	lots.Post("/:id/curate", s.curateLot)
	lots.Post("/:id/purchase", s.purchase)
	lots.Post("/:id/bids", s.submitBid)
	lots.Delete("/:id/bids/:bidID", s.refundBid)
	lots.Get("/:id/key", s.publicKey)
	lots.Post("/:id/key", s.submitKey)
	lots.Post("/:id/decrypt", s.decryptBids)
	lots.Post("/:id/settle", s.settleLot)
	lots.Post("/:id/abort", s.abortLot)
	lots.Post("/:id/claims", s.claimBids)
	lots.Post("/:id/proceeds", s.claimProceeds)
}

type createLotRequest struct {
	Seller          string `json:"seller"`
	AuctionType     string `json:"auction_type"`
	Base            string `json:"base"`
	Quote           string `json:"quote"`
	Curator         string `json:"curator"`
	Start           uint64 `json:"start"`
	Duration        uint64 `json:"duration"`
	CapacityInQuote bool   `json:"capacity_in_quote"`
	Capacity        string `json:"capacity"`
	Implementation  string `json:"implementation"`

	DerivativeType   string `json:"derivative_type"`
	DerivativeParams string `json:"derivative_params"`
}

func (s *Server) createLot(c *fiber.Ctx) error {
	var req createLotRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		return badRequest(c, "seller: "+err.Error())
	}
	base, ok := s.tokens[req.Base]
	if !ok {
		return badRequest(c, fmt.Sprintf("unknown base token %q", req.Base))
	}
	quote, ok := s.tokens[req.Quote]
	if !ok {
		return badRequest(c, fmt.Sprintf("unknown quote token %q", req.Quote))
	}
	capacity, err := parseAmount(req.Capacity)
	if err != nil {
		return badRequest(c, "capacity: "+err.Error())
	}
	implementation, err := base64.StdEncoding.DecodeString(req.Implementation)
	if err != nil {
		return badRequest(c, "implementation: invalid base64")
	}

	rp := house.RoutingParams{
		AuctionType: core.Keycode(req.AuctionType),
		Base:        base,
		Quote:       quote,
	}
	if req.Curator != "" {
		if rp.Curator, err = parseAddress(req.Curator); err != nil {
			return badRequest(c, "curator: "+err.Error())
		}
	}
	if req.DerivativeType != "" {
		rp.DerivativeType = core.Keycode(req.DerivativeType)
		if rp.DerivativeParams, err = base64.StdEncoding.DecodeString(req.DerivativeParams); err != nil {
			return badRequest(c, "derivative_params: invalid base64")
		}
	}

	lotID, err := s.house.Auction(seller, rp, core.AuctionParams{
		Start:           req.Start,
		Duration:        req.Duration,
		CapacityInQuote: req.CapacityInQuote,
		Capacity:        capacity,
		Implementation:  implementation,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"lot_id": lotID})
}

func (s *Server) getLot(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	lot, err := s.house.Lot(lotID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"lot_id":     lotID,
		"status":     lot.Status.String(),
		"start":      lot.Start,
		"conclusion": lot.Conclusion,
		"capacity":   lot.Capacity.String(),
		"sold":       lot.Sold.String(),
		"purchased":  lot.Purchased.String(),
	})
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) cancelLot(c *fiber.Ctx) error {
	lotID, caller, err := lotAndCaller(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.house.Cancel(caller, lotID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "status": "cancelled"})
}

func (s *Server) curateLot(c *fiber.Ctx) error {
	lotID, caller, err := lotAndCaller(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.house.Curate(caller, lotID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "curated": true})
}

type purchaseRequest struct {
	Buyer        string `json:"buyer"`
	Referrer     string `json:"referrer"`
	Amount       string `json:"amount"`
	MinAmountOut string `json:"min_amount_out"`
	AuctionData  string `json:"auction_data"`
}

func (s *Server) purchase(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		return badRequest(c, "buyer: "+err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return badRequest(c, "amount: "+err.Error())
	}
	var minOut *big.Int
	if req.MinAmountOut != "" {
		if minOut, err = parseAmount(req.MinAmountOut); err != nil {
			return badRequest(c, "min_amount_out: "+err.Error())
		}
	}
	referrer, err := parseOptionalAddress(req.Referrer)
	if err != nil {
		return badRequest(c, "referrer: "+err.Error())
	}
	auctionData, err := base64.StdEncoding.DecodeString(req.AuctionData)
	if err != nil {
		return badRequest(c, "auction_data: invalid base64")
	}

	payout, err := s.house.Purchase(buyer, lotID, referrer, amount, minOut, auctionData, nil)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "payout": payout.String()})
}

type bidRequest struct {
	Bidder      string `json:"bidder"`
	Referrer    string `json:"referrer"`
	Amount      string `json:"amount"`
	AuctionData string `json:"auction_data"`
}

func (s *Server) submitBid(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req bidRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	bidder, err := parseAddress(req.Bidder)
	if err != nil {
		return badRequest(c, "bidder: "+err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return badRequest(c, "amount: "+err.Error())
	}
	referrer, err := parseOptionalAddress(req.Referrer)
	if err != nil {
		return badRequest(c, "referrer: "+err.Error())
	}
	auctionData, err := base64.StdEncoding.DecodeString(req.AuctionData)
	if err != nil {
		return badRequest(c, "auction_data: invalid base64")
	}

	bidID, err := s.house.Bid(bidder, lotID, referrer, amount, auctionData, nil)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"lot_id": lotID, "bid_id": bidID})
}

func (s *Server) refundBid(c *fiber.Ctx) error {
	lotID, caller, err := lotAndCaller(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	bidID, err := c.ParamsInt("bidID")
	if err != nil || bidID <= 0 {
		return badRequest(c, "invalid bid id")
	}
	amount, err := s.house.RefundBid(caller, lotID, uint64(bidID))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "bid_id": bidID, "refunded": amount.String()})
}

func (s *Server) publicKey(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	pem, err := s.house.LotPublicKey(lotID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "public_key": pem})
}

type submitKeyRequest struct {
	PrivateKeyPEM string `json:"private_key_pem"`
}

func (s *Server) submitKey(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req submitKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	keyID, err := s.house.SubmitPrivateKey(lotID, req.PrivateKeyPEM)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "key_id": keyID})
}

type decryptRequest struct {
	Max int `json:"max"`
}

func (s *Server) decryptBids(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req decryptRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	remaining, err := s.house.DecryptBids(lotID, req.Max)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "remaining": remaining})
}

func (s *Server) settleLot(c *fiber.Ctx) error {
	lotID, caller, err := lotAndCaller(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	settlement, err := s.house.Settle(caller, lotID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"lot_id":    lotID,
		"cleared":   settlement.Cleared,
		"total_in":  settlement.TotalIn.String(),
		"total_out": settlement.TotalOut.String(),
	})
}

func (s *Server) abortLot(c *fiber.Ctx) error {
	lotID, caller, err := lotAndCaller(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.house.Abort(caller, lotID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "status": "aborted"})
}

type claimBidsRequest struct {
	BidIDs []uint64 `json:"bid_ids"`
}

func (s *Server) claimBids(c *fiber.Ctx) error {
	lotID, err := parseLotID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req claimBidsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	claims, err := s.house.ClaimBids(lotID, req.BidIDs)
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]fiber.Map, 0, len(claims))
	for _, claim := range claims {
		out = append(out, fiber.Map{
			"bid_id": claim.BidID,
			"bidder": claim.Bidder.Hex(),
			"paid":   claim.Paid.String(),
			"refund": claim.Refund.String(),
			"payout": claim.Payout.String(),
		})
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "claims": out})
}

func (s *Server) claimProceeds(c *fiber.Ctx) error {
	lotID, caller, err := lotAndCaller(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.house.ClaimProceeds(caller, lotID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"lot_id": lotID, "claimed": true})
}

// fail maps the error taxonomy onto HTTP statuses.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, core.ErrNotAuthorized):
		status = fiber.StatusForbidden
	case errors.Is(err, core.ErrInvalidParam), errors.Is(err, core.ErrInvalidCallback):
		status = fiber.StatusBadRequest
	case errors.Is(err, core.ErrInvalidState):
		status = fiber.StatusConflict
	case errors.Is(err, core.ErrUnsupportedToken), errors.Is(err, core.ErrInsolvent):
		status = fiber.StatusUnprocessableEntity
	}
	if status == fiber.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func parseLotID(c *fiber.Ctx) (uint64, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, errors.New("invalid lot id")
	}
	return uint64(id), nil
}

func lotAndCaller(c *fiber.Ctx) (uint64, common.Address, error) {
	lotID, err := parseLotID(c)
	if err != nil {
		return 0, common.Address{}, err
	}
	var req callerRequest
	if err := c.BodyParser(&req); err != nil {
		return 0, common.Address{}, errors.New("invalid request body")
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("caller: %w", err)
	}
	return lotID, caller, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseOptionalAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return parseAddress(s)
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
