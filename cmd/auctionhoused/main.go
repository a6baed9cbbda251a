// Command auctionhoused runs the auction house HTTP service with
// in-memory token ledgers and the standard module set installed.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/batchworks/auctionhouse/api"
	"github.com/batchworks/auctionhouse/config"
	"github.com/batchworks/auctionhouse/core"
	"github.com/batchworks/auctionhouse/derivative"
	"github.com/batchworks/auctionhouse/events"
	"github.com/batchworks/auctionhouse/house"
	"github.com/batchworks/auctionhouse/modules/batch"
	"github.com/batchworks/auctionhouse/modules/emp"
	"github.com/batchworks/auctionhouse/modules/fpb"
	"github.com/batchworks/auctionhouse/modules/fps"
	"github.com/batchworks/auctionhouse/modules/gda"
	"github.com/batchworks/auctionhouse/registry"
	"github.com/batchworks/auctionhouse/store"
	"github.com/batchworks/auctionhouse/token"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	houseAddr := addressOr(cfg.HouseAddress, "0x0000000000000000000000000000000000000001")
	ownerAddr := addressOr(cfg.OwnerAddress, "0x0000000000000000000000000000000000000002")
	protocolAddr := addressOr(cfg.ProtocolAddress, "0x0000000000000000000000000000000000000003")
	vestingEscrow := common.HexToAddress("0x0000000000000000000000000000000000000004")

	var archive store.Archive
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("connecting postgres")
		}
		defer pg.Close()
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.WithError(err).Fatal("preparing archive schema")
		}
		archive = pg
	}

	var sink events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		broadcaster, err := events.NewBroadcaster(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.WithError(err).Fatal("connecting kafka")
		}
		defer broadcaster.Close()
		sink = broadcaster
	}

	reg := registry.New()
	h, err := house.New(house.Config{
		Address:  houseAddr,
		Owner:    ownerAddr,
		Protocol: protocolAddr,
		Registry: reg,
		Archive:  archive,
		Events:   sink,
		Log:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("assembling auction house")
	}

	batchCfg := batch.Config{
		MinDuration: cfg.MinAuctionDuration,
		GracePeriod: cfg.SettlementGrace,
	}
	modules := []core.Module{
		fpb.New(1, batchCfg),
		emp.New(1, batchCfg),
		fps.New(1, cfg.MinAuctionDuration, nil),
		gda.New(1, cfg.MinAuctionDuration, nil),
		derivative.NewLinearVesting(1, vestingEscrow, nil),
		derivative.NewVestingCondenser(1, nil),
	}
	for _, m := range modules {
		if err := h.InstallModule(ownerAddr, m); err != nil {
			log.WithError(err).WithField("keycode", m.Keycode()).Fatal("installing module")
		}
	}
	for _, derivKC := range []core.Keycode{derivative.VestingKeycode} {
		for _, auctionKC := range []core.Keycode{fpb.Keycode, emp.Keycode} {
			if err := h.SetCondenser(ownerAddr, auctionKC, derivKC, derivative.VestingCondenserKeycode); err != nil {
				log.WithError(err).Fatal("mapping condenser")
			}
		}
	}

	fees := house.FeeRates{
		Protocol:   cfg.ProtocolFeePercent,
		Referrer:   cfg.ReferrerFeePercent,
		MaxCurator: cfg.MaxCuratorFeePercent,
	}
	for _, kc := range []core.Keycode{fpb.Keycode, emp.Keycode, fps.Keycode, gda.Keycode} {
		if err := h.SetFee(ownerAddr, kc, fees); err != nil {
			log.WithError(err).WithField("keycode", kc).Fatal("setting fee schedule")
		}
	}

	server := api.NewServer(h, log)
	for _, t := range loadTokens(log) {
		server.RegisterToken(t)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Listen(":" + cfg.Port); err != nil {
			log.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	if err := server.Shutdown(); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func addressOr(hex, fallback string) common.Address {
	if hex == "" {
		hex = fallback
	}
	return common.HexToAddress(hex)
}

// loadTokens builds the in-memory ledgers named in TOKENS, a
// comma-separated list of symbol:decimals pairs.
func loadTokens(log *logrus.Logger) []token.ERC20 {
	spec := os.Getenv("TOKENS")
	if spec == "" {
		spec = "USDC:6,WETH:18"
	}
	var out []token.ERC20
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			log.WithField("entry", entry).Fatal("malformed TOKENS entry, want symbol:decimals")
		}
		decimals, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			log.WithError(err).WithField("entry", entry).Fatal("malformed TOKENS decimals")
		}
		out = append(out, token.NewLedger(parts[0], uint8(decimals)))
	}
	return out
}
