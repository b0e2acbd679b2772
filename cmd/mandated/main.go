// Command mandated wires the mandate workflow end to end and runs a
// demonstration purchase: a bounded intent, an itemized cart at the
// limit, settlement, and the rejection of a cart one cent over.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/veridian-labs/mandate/pkg/audit"
	"github.com/veridian-labs/mandate/pkg/config"
	"github.com/veridian-labs/mandate/pkg/keys"
	"github.com/veridian-labs/mandate/pkg/mandate"
	"github.com/veridian-labs/mandate/pkg/money"
	"github.com/veridian-labs/mandate/pkg/replayguard"
	"github.com/veridian-labs/mandate/pkg/store"
	"github.com/veridian-labs/mandate/pkg/telemetry"
	"github.com/veridian-labs/mandate/pkg/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mandated failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.Load()
	if len(os.Args) > 1 {
		if _, err := config.LoadProfile(os.Args[1], cfg); err != nil {
			return err
		}
	}

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:  "mandated",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TelemetryEnabled,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(ctx) }()

	km, err := keys.NewFileManager(cfg.KeystorePath,
		keys.WithKeyBits(cfg.KeyBits),
		keys.WithGracePeriod(cfg.KeyGracePeriod()))
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	guard, closeGuard := openGuard(cfg)
	defer closeGuard()

	auditLog, err := audit.NewFileLog(cfg.AuditLogPath)
	if err != nil {
		return err
	}

	signer := mandate.NewSigner(km)
	intents := mandate.NewIntentService(signer, st, guard, auditLog,
		mandate.WithMaxIntentTTL(cfg.MaxIntentTTL))
	carts := mandate.NewCartService(signer, st, auditLog)

	settlement := workflow.NewRateLimitedClient(workflow.NewStubSettlement(), 50, 10)
	orch := workflow.New(intents, carts, st, settlement, auditLog,
		workflow.WithMaxAttempts(cfg.SettlementMaxAttempts),
		workflow.WithSettlementTimeout(cfg.SettlementTimeout))

	return demo(ctx, km, orch)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.OpenSQLite(cfg.SQLitePath, cfg.ReplayWindow())
	case "postgres":
		return store.OpenPostgres(cfg.DatabaseURL, cfg.ReplayWindow())
	default:
		return store.NewMemoryStore(cfg.ReplayWindow()), nil
	}
}

func openGuard(cfg *config.Config) (mandate.ReplayGuard, func()) {
	if cfg.ReplayBackend == "redis" {
		g := replayguard.DialRedisGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ReplayWindow())
		return g, func() { _ = g.Close() }
	}
	g := replayguard.NewMemoryGuard(cfg.ReplayWindow())
	return g, g.Close
}

func demo(ctx context.Context, km *keys.Manager, orch *workflow.Orchestrator) error {
	for _, principal := range []string{"agent-demo", "biz-espresso"} {
		if _, err := km.SigningKey(principal); err != nil {
			if _, err := km.GenerateKey(principal); err != nil {
				return err
			}
		}
	}

	maxAmount, _ := money.Parse("100.00", "USD")
	intent, err := orch.CreateIntentMandate(ctx, mandate.CreateIntentParams{
		UserID:      "user-demo",
		AgentID:     "agent-demo",
		BusinessID:  "biz-espresso",
		Description: "espresso machine, up to $100",
		MaxAmount:   maxAmount,
	})
	if err != nil {
		return err
	}
	fmt.Printf("intent %s authorized up to %s\n", intent.ID, intent.MaxAmount)

	// One cent over the bound: rejected, the intent stays usable.
	over, _ := money.Parse("100.01", "USD")
	if _, err := orch.CreateCartMandate(ctx, intent.ID, []mandate.LineItem{
		{Description: "espresso machine deluxe", UnitAmount: over, Quantity: 1},
	}); err != nil {
		fmt.Printf("over-limit cart rejected: %v\n", err)
	}

	unit, _ := money.Parse("50.00", "USD")
	cart, err := orch.CreateCartMandate(ctx, intent.ID, []mandate.LineItem{
		{Description: "espresso machine", UnitAmount: unit, Quantity: 2},
	})
	if err != nil {
		return err
	}
	fmt.Printf("cart %s verified at %s\n", cart.ID, cart.TotalAmount)

	tx, err := orch.ExecutePayment(ctx, cart.ID, "tok_demo_visa")
	if err != nil {
		return err
	}
	fmt.Printf("payment %s %s (%s)\n", tx.ID, tx.Status, tx.ProcessorReference)

	// A second cart against the consumed intent must be rejected.
	if _, err := orch.CreateCartMandate(ctx, intent.ID, []mandate.LineItem{
		{Description: "grinder", UnitAmount: unit, Quantity: 1},
	}); err != nil {
		fmt.Printf("second cart rejected as expected: %v\n", err)
	}
	return nil
}
