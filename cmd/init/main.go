package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"swapline/agent/internal/config"
	"swapline/agent/internal/stores"
)

// Seeds the agent keystore with its hot wallet key, either freshly
// generated or imported from the environment.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to the config file")
	importKey := flag.Bool("import", false, "Import the key from HOT_WALLET_PRIVATE_KEY instead of generating one")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("loading .env file: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	password := os.Getenv("KEYSTORE_PASSWORD")
	if password == "" {
		log.Fatal("KEYSTORE_PASSWORD must be set")
	}

	ks, err := stores.NewLocalKeyStore(password, cfg.Keystore)
	if err != nil {
		log.Fatalf("opening keystore: %v", err)
	}
	if existing := ks.Addresses(); len(existing) > 0 {
		log.Fatalf("keystore already holds %s", strings.Join(existing, ", "))
	}

	if *importKey {
		raw := os.Getenv("HOT_WALLET_PRIVATE_KEY")
		if raw == "" {
			log.Fatal("HOT_WALLET_PRIVATE_KEY must be set with -import")
		}
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			log.Fatalf("parsing private key: %v", err)
		}
		addr, err := ks.ImportECDSA(privateKey, password)
		if err != nil {
			log.Fatalf("import failed: %v", err)
		}
		log.Printf("imported hot wallet key, address %s", addr)
		return
	}

	addr, err := ks.CreateKey(context.Background())
	if err != nil {
		log.Fatalf("key creation failed: %v", err)
	}
	log.Printf("created hot wallet key, address %s", addr)
}
