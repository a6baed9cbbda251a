package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/check"
	"github.com/sirupsen/logrus"

	"github.com/batchworks/auctionhouse/house"
	"github.com/batchworks/auctionhouse/modules/fps"
	"github.com/batchworks/auctionhouse/registry"
	"github.com/batchworks/auctionhouse/token"
)

var (
	houseAddr  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	ownerAddr  = common.HexToAddress("0x1000000000000000000000000000000000000002")
	protoAddr  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	sellerAddr = common.HexToAddress("0x2000000000000000000000000000000000000001")
	buyerAddr  = common.HexToAddress("0x3000000000000000000000000000000000000001")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type apiFixture struct {
	srv   *Server
	base  *token.Ledger
	quote *token.Ledger
	now   uint64
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{now: 1000}
	clock := func() uint64 { return f.now }

	log := logrus.New()
	log.SetOutput(io.Discard)

	h, err := house.New(house.Config{
		Address:  houseAddr,
		Owner:    ownerAddr,
		Protocol: protoAddr,
		Clock:    clock,
		Registry: registry.New(),
		Log:      log,
	})
	check.NoError(t, err)
	check.NoError(t, h.InstallModule(ownerAddr, fps.New(1, 3600, clock)))

	f.base = token.NewLedger("BASE", 18)
	f.quote = token.NewLedger("USDC", 18)
	f.srv = NewServer(h, log)
	f.srv.RegisterToken(f.base)
	f.srv.RegisterToken(f.quote)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		check.NoError(t, err)
		reader = bytes.NewReader(blob)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	check.NoError(t, err)

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	check.NoError(t, err)
	if len(raw) > 0 {
		check.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

// createLot posts a fixed-price lot at 2e18 per base, capacity 10e18.
func (f *apiFixture) createLot(t *testing.T) uint64 {
	t.Helper()
	impl, err := cbor.Marshal(fps.Params{Price: e18(2)})
	check.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/lots", map[string]interface{}{
		"seller":         sellerAddr.Hex(),
		"auction_type":   string(fps.Keycode),
		"base":           "BASE",
		"quote":          "USDC",
		"start":          1000,
		"duration":       3600,
		"capacity":       e18(10).String(),
		"implementation": base64.StdEncoding.EncodeToString(impl),
	})
	check.Equal(t, http.StatusCreated, resp.StatusCode)
	return uint64(body["lot_id"].(float64))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	check.Equal(t, http.StatusOK, resp.StatusCode)
	check.Equal(t, "ok", body["status"].(string))
}

func TestCreateAndGetLot(t *testing.T) {
	f := newAPIFixture(t)
	lotID := f.createLot(t)
	check.Equal(t, uint64(1), lotID)

	resp, body := f.do(t, http.MethodGet, "/lots/1", nil)
	check.Equal(t, http.StatusOK, resp.StatusCode)
	check.Equal(t, "created", body["status"].(string))
	check.Equal(t, e18(10).String(), body["capacity"].(string))

	resp, _ = f.do(t, http.MethodGet, "/lots/99", nil)
	check.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateLot_Validation(t *testing.T) {
	f := newAPIFixture(t)

	// unknown token symbol
	resp, _ := f.do(t, http.MethodPost, "/lots", map[string]interface{}{
		"seller":       sellerAddr.Hex(),
		"auction_type": string(fps.Keycode),
		"base":         "NOPE",
		"quote":        "USDC",
		"capacity":     "1",
	})
	check.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// malformed seller address
	resp, _ = f.do(t, http.MethodPost, "/lots", map[string]interface{}{
		"seller":       "not-an-address",
		"auction_type": string(fps.Keycode),
		"base":         "BASE",
		"quote":        "USDC",
		"capacity":     "1",
	})
	check.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPurchase(t *testing.T) {
	f := newAPIFixture(t)
	f.createLot(t)

	f.base.Mint(sellerAddr, e18(10))
	f.base.Approve(sellerAddr, houseAddr, e18(10))
	f.quote.Mint(buyerAddr, e18(4))
	f.quote.Approve(buyerAddr, houseAddr, e18(4))

	resp, body := f.do(t, http.MethodPost, "/lots/1/purchase", map[string]interface{}{
		"buyer":  buyerAddr.Hex(),
		"amount": e18(4).String(),
	})
	check.Equal(t, http.StatusOK, resp.StatusCode)
	check.Equal(t, e18(2).String(), body["payout"].(string))
	check.Equal(t, e18(2).String(), f.base.BalanceOf(buyerAddr).String())

	// settle on a purely atomic lot conflicts
	resp, _ = f.do(t, http.MethodPost, "/lots/1/settle", map[string]interface{}{
		"caller": buyerAddr.Hex(),
	})
	check.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancel_AuthorizationMapping(t *testing.T) {
	f := newAPIFixture(t)
	f.now = 500
	f.createLot(t)

	resp, _ := f.do(t, http.MethodDelete, "/lots/1", map[string]interface{}{
		"caller": buyerAddr.Hex(),
	})
	check.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/lots/1", map[string]interface{}{
		"caller": sellerAddr.Hex(),
	})
	check.Equal(t, http.StatusOK, resp.StatusCode)
}
