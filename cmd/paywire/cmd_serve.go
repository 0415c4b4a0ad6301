package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/paywire/internal/api"
	"github.com/user/paywire/internal/config"
	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/notify"
	"github.com/user/paywire/internal/orchestrator"
	"github.com/user/paywire/internal/payment"
	"github.com/user/paywire/internal/registry"
	"github.com/user/paywire/internal/scheduler"
	"github.com/user/paywire/internal/seller"
	"github.com/user/paywire/internal/textgen"
	"github.com/user/paywire/internal/types"
	"github.com/user/paywire/pkg/llm"
	"github.com/user/paywire/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the paywire daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// errRestart asks main to re-exec the binary once serve has cleaned up.
var errRestart = errors.New("restart requested")

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := cfg.PIDPath()
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	reg := registry.New()
	bus := conversation.New()

	journal, err := conversation.OpenJournal(cfg.JournalPath())
	if err != nil {
		return err
	}
	journal.Attach(bus, "journal")
	defer journal.Close()

	text, err := newTextGenerator(cfg, bus)
	if err != nil {
		return err
	}

	ledger := newLedger(cfg)

	gateway := seller.NewClient(seller.ClientConfig{
		BaseURL:  cfg.SellerURL(),
		Service:  cfg.Seller.Service,
		Currency: cfg.Seller.Currency,
		Timeout:  cfg.Protocol.RequestTimeout,
	})

	orch := orchestrator.New(reg, bus, gateway, ledger,
		orchestrator.WithRetryPolicy(&orchestrator.RetryPolicy{
			MaxAttempts:  cfg.Protocol.MaxVerifyAttempts,
			InitialDelay: cfg.Protocol.InitialDelay,
			Multiplier:   cfg.Protocol.Multiplier,
			MaxDelay:     cfg.Protocol.MaxDelay,
		}),
		orchestrator.WithTextGenerator(text),
		orchestrator.WithMaxPrice(cfg.Buyer.MaxPrice),
		orchestrator.WithService(cfg.Seller.Service),
	)
	defer orch.Shutdown()

	var hosted []types.AgentID
	if cfg.Demo.RegisterAgents {
		hosted, err = registerDemoAgents(reg, cfg)
		if err != nil {
			return err
		}
	}

	sched := scheduler.New()
	if err := sched.Add("registry-expiry", scheduler.Every(cfg.Registry.ExpiryInterval), scheduler.ExpiryJob(reg, cfg.Registry.HeartbeatWindow)); err != nil {
		return fmt.Errorf("schedule expiry: %w", err)
	}
	if len(hosted) > 0 {
		if err := sched.Add("demo-keepalive", scheduler.Every(cfg.Demo.KeepaliveInterval), scheduler.KeepaliveJob(reg, hosted...)); err != nil {
			return fmt.Errorf("schedule keepalive: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	hub := notify.NewHub(bus, reg, notify.HubOptions{})
	hub.Start()
	defer hub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{
		Addr:    cfg.HTTP.Listen,
		Handler: api.NewServer(reg, bus, orch, hub),
	}}
	if cfg.Seller.Embedded {
		servers = append(servers, &http.Server{
			Addr: cfg.Seller.Listen,
			Handler: seller.NewHandler(seller.Config{
				AgentID:      types.AgentID(cfg.Seller.AgentID),
				Name:         cfg.Seller.Name,
				Description:  cfg.Seller.Description,
				Capabilities: cfg.Seller.Capabilities,
				Service:      cfg.Seller.Service,
				Price:        cfg.Seller.Price,
				Currency:     cfg.Seller.Currency,
				Recipient:    cfg.Seller.Address,
			}, ledger, text),
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	var restart atomic.Bool
	g.Go(func() error {
		select {
		case <-hup:
			slog.Info("received SIGHUP, restarting")
			restart.Store(true)
			stop()
		case <-gctx.Done():
		}
		return nil
	})

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		bot, err := notify.NewTelegramBot(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("create telegram mirror: %w", err)
		}
		mirror := notify.NewMirror(bot, cfg.Telegram.ChatID, &purchaseController{orch: orch})
		mirror.Attach(bus)
		defer mirror.Detach(bus)
		g.Go(func() error { mirror.Run(gctx); return nil })
		g.Go(func() error { mirror.Listen(gctx); return nil })
		slog.Info("telegram mirror started", "chat_id", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram mirror disabled (no token or chat id)")
	}

	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
		slog.Info("listening", "addr", ln.Addr().String())
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	slog.Info("paywire started",
		"data_dir", cfg.DataDir,
		"api", cfg.HTTP.Listen,
		"seller_url", cfg.SellerURL(),
		"seller_embedded", cfg.Seller.Embedded,
		"llm_enabled", cfg.LLM.Enabled,
		"journal", journal.Path(),
		"pid_file", pidPath,
	)

	err = g.Wait()
	slog.Info("shutting down")
	if err == nil && restart.Load() {
		return errRestart
	}
	return err
}

func newLedger(cfg *config.Config) *payment.Ledger {
	opts := []payment.Option{payment.WithConfirmAfter(cfg.Payment.ConfirmAfter)}
	if cfg.Payment.Balance > 0 {
		opts = append(opts, payment.WithBalance(cfg.Payment.Balance))
	}
	return payment.NewLedger(opts...)
}

// newTextGenerator returns the LLM phraser when enabled, canned text
// otherwise.
func newTextGenerator(cfg *config.Config, bus *conversation.Bus) (types.TextGenerator, error) {
	if !cfg.LLM.Enabled {
		return textgen.NewCanned(), nil
	}
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	})
	budget, err := textgen.NewBudget(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create token budget: %w", err)
	}
	return textgen.NewLLM(provider, budget, textgen.WithHistory(bus.Snapshot)), nil
}

// registerDemoAgents registers the buyer and seller hosted by this process
// and returns their ids.
func registerDemoAgents(reg *registry.Registry, cfg *config.Config) ([]types.AgentID, error) {
	records := []types.AgentRecord{
		{
			ID:           types.AgentID(cfg.Buyer.AgentID),
			Role:         types.RoleBuyer,
			DisplayName:  cfg.Buyer.Name,
			Capabilities: cfg.Buyer.Capabilities,
			Metadata:     map[string]any{"maxPrice": cfg.Buyer.MaxPrice},
		},
		{
			ID:           types.AgentID(cfg.Seller.AgentID),
			Role:         types.RoleSeller,
			DisplayName:  cfg.Seller.Name,
			Capabilities: cfg.Seller.Capabilities,
			Metadata: map[string]any{
				"service":  cfg.Seller.Service,
				"price":    cfg.Seller.Price,
				"currency": cfg.Seller.Currency,
				"url":      cfg.SellerURL(),
			},
		},
	}
	ids := make([]types.AgentID, 0, len(records))
	for _, rec := range records {
		if _, err := reg.Register(rec); err != nil {
			return nil, fmt.Errorf("register %s: %w", rec.ID, err)
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// purchaseController lets chat commands drive the orchestrator.
type purchaseController struct {
	orch *orchestrator.Orchestrator
}

func (c *purchaseController) StartPurchase(ctx context.Context) (types.AttemptID, error) {
	return c.orch.Launch(context.WithoutCancel(ctx), "", "", func(snap orchestrator.Snapshot, err error) {
		if err != nil {
			slog.Info("chat purchase finished", "summary", snap.Summary(), "error", err)
		}
	})
}

func (c *purchaseController) CancelPurchase() bool {
	return c.orch.Cancel()
}

func (c *purchaseController) Status() string {
	snap, ok := c.orch.Current()
	if !ok {
		return "No purchase has run yet."
	}
	return snap.Summary()
}
