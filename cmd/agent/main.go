package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/config"
	"swapline/agent/internal/models"
	"swapline/agent/internal/services"
	"swapline/agent/internal/stores"
)

const (
	bitgetAPIURL = "https://api.bitget.com"
	// Hyperliquid bridge on Arbitrum One; deposits are plain USDC
	// transfers to this contract.
	defaultHyperliquidBridge = "0x2Df1c51E09aECF9cacB7bc98cB1742757f163dF7"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the config file")
	network := flag.String("network", "arbitrum", "Network section of the config to run against")
	venue := flag.String("venue", "bitget", "Ledger venue: bitget or hyperliquid")
	hlBridge := flag.String("hl-bridge", defaultHyperliquidBridge, "Hyperliquid bridge contract for deposits")
	logLevel := flag.String("log-level", "INFO", "Set the logging level")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.TrimSpace(strings.ToUpper(*logLevel)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Msg("loading .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	net, err := cfg.Network(*network)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	rpcURL, err := net.RPCURL()
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	ethClient, err := ethclient.Dial(rpcURL)
	if err != nil {
		log.Fatal().Err(err).Str("network", *network).Msg("connecting to RPC endpoint")
	}

	ks, err := stores.NewLocalKeyStore(os.Getenv("KEYSTORE_PASSWORD"), cfg.Keystore)
	if err != nil {
		log.Fatal().Err(err).Msg("opening keystore")
	}
	account, err := hotWallet(ks)
	if err != nil {
		log.Fatal().Err(err).Msg("selecting hot wallet")
	}

	store, err := stores.NewLocalTransferStore(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("opening transfer store")
	}
	defer store.Close()

	ledger, err := buildLedger(*venue, *hlBridge)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring venue client")
	}

	chain := services.NewChainService(ethClient, ks, uint64(net.ChainID), services.ChainConfig{
		GasLimit:      net.GasLimit,
		FeeMultiplier: net.FeeMultiplier,
		GasReserve:    big.NewInt(net.GasReserveWei),
	})
	quoter := clients.NewOdosClient(cfg.Quote.BaseURL, cfg.Quote.PlanTTL.Std())

	orch := services.NewOrchestrator(
		services.LimitLedger(ledger, cfg.Runner.LedgerBudget),
		services.LimitChain(chain, cfg.Runner.ChainBudget),
		services.LimitQuoter(quoter, cfg.Runner.QuoteBudget),
		store,
		&log.Logger,
		services.OrchestratorConfig{
			Account:          account,
			ChainID:          net.ChainID,
			VenueChain:       net.LedgerChain,
			Tokens:           tokensUpper(net.Tokens),
			SlippagePercent:  cfg.Quote.SlippagePercent,
			MaxPriceImpact:   cfg.Quote.MaxPriceImpact,
			MinConfirmations: net.MinConfirmations,
			MaxAttempts:      cfg.Retry.MaxAttempts,
			MaxRequotes:      cfg.Quote.MaxRequotes,
			Waits: services.WaitBudget{
				Withdraw: cfg.Waits.Withdraw.Std(),
				Convert:  cfg.Waits.Convert.Std(),
				Deposit:  cfg.Waits.Deposit.Std(),
			},
			PollInterval: cfg.Waits.PollInterval.Std(),
			Retry: services.RetryPolicy{
				Base: cfg.Retry.Base.Std(),
				Max:  cfg.Retry.Max.Std(),
			},
			ExplorerURL: net.ExplorerURL,
		})

	runner := services.NewRunner(store, orch, &log.Logger, services.RunnerConfig{
		Interval:      cfg.Runner.Interval.Std(),
		MaxConcurrent: cfg.Runner.MaxConcurrent,
	})
	api := services.NewApiService(orch, cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigch
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("API listening")
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("API server")
		}
	}()

	log.Info().
		Str("network", *network).
		Str("venue", *venue).
		Str("account", account).
		Msg("agent started")
	if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("runner stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API shutdown")
	}
}

// hotWallet resolves the agent's signing account. The keystore is expected
// to hold exactly the one key created by the init command.
func hotWallet(ks *stores.LocalKeyStore) (string, error) {
	addrs := ks.Addresses()
	switch len(addrs) {
	case 0:
		return "", fmt.Errorf("keystore is empty, create or import a key with the init command")
	case 1:
		return addrs[0], nil
	default:
		return "", fmt.Errorf("keystore holds %d keys, expected one", len(addrs))
	}
}

func buildLedger(venue string, hlBridge string) (services.Ledger, error) {
	switch venue {
	case "bitget":
		key := os.Getenv("BITGET_API_KEY")
		secret := os.Getenv("BITGET_API_SECRET")
		passphrase := os.Getenv("BITGET_API_PASSPHRASE")
		if key == "" || secret == "" || passphrase == "" {
			return nil, fmt.Errorf("BITGET_API_KEY, BITGET_API_SECRET and BITGET_API_PASSPHRASE must be set")
		}
		return clients.NewBitgetClient(bitgetAPIURL, key, secret, passphrase), nil
	case "hyperliquid":
		raw := os.Getenv("HYPERLIQUID_PRIVATE_KEY")
		if raw == "" {
			return nil, fmt.Errorf("HYPERLIQUID_PRIVATE_KEY must be set")
		}
		privKey, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parsing hyperliquid private key: %w", err)
		}
		return clients.NewHyperliquidLedger(context.Background(), hyperliquid.MainnetAPIURL, privKey, hlBridge, true), nil
	default:
		return nil, fmt.Errorf("unknown venue %q", venue)
	}
}

// Config sections may use any casing; the orchestrator keys tokens by
// upper-cased symbol.
func tokensUpper(tokens map[string]models.Token) map[string]models.Token {
	out := make(map[string]models.Token, len(tokens))
	for symbol, token := range tokens {
		out[strings.ToUpper(symbol)] = token
	}
	return out
}
