// Command mychat-server runs the chat server: it loads (or creates) the
// TOML config and key material, opens the credential backend, and serves
// until interrupted.
package main

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/andriy/mychat/pkg/crypto"
	"github.com/andriy/mychat/pkg/database"
	"github.com/andriy/mychat/pkg/server"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=2.0.0"
var version = "1.0.0"

func main() {
	fs := flag.NewFlagSet("mychat-server", flag.ContinueOnError)

	var (
		configPath  string
		port        int
		metricsPort int
		backend     string
		debug       bool
		showVersion bool
	)
	fs.StringVarP(&configPath, "config", "c", "~/.mychat/config.toml", "Path to config file")
	fs.IntVarP(&port, "port", "p", 0, "TCP port (overrides config)")
	fs.IntVar(&metricsPort, "metrics-port", -1, "Metrics port, 0 disables (overrides config)")
	fs.StringVarP(&backend, "backend", "b", "", `Credential backend: "sqlite" or "memory" (overrides config)`)
	fs.BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("mychat-server %s\n", version)
		return
	}

	config, err := server.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if port != 0 {
		config.Server.TCPPort = port
	}
	if metricsPort >= 0 {
		config.Server.MetricsPort = metricsPort
	}
	if backend != "" {
		config.Server.Backend = backend
	}

	store, err := openStore(&config)
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}

	signingKey, clientKey, err := loadKeys(&config)
	if err != nil {
		store.Close()
		log.Fatalf("Failed to load key material: %v", err)
	}

	srv := server.NewServer(store, signingKey, clientKey, config.ToServerConfig())
	if debug {
		srv.EnableDebugLogging()
	}
	if err := srv.Start(); err != nil {
		store.Close()
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}

func openStore(config *server.TOMLConfig) (database.CredentialStore, error) {
	switch config.Server.Backend {
	case "memory":
		// Development backend with a known account, lost on restart.
		return database.NewSeededMemStore(map[string]string{
			"testUser1": "testPass1",
		}), nil
	case "sqlite", "":
		dbPath, err := config.GetDatabasePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
		return database.OpenSQLite(dbPath)
	default:
		return nil, fmt.Errorf("unknown credential backend %q", config.Server.Backend)
	}
}

// loadKeys loads the server signing key and the client verification key.
// Both are created on first run; the generated client signing key is
// written next to its verify key so client builds can pick it up.
func loadKeys(config *server.TOMLConfig) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	serverKeyPath, err := config.GetServerKeyPath()
	if err != nil {
		return nil, nil, err
	}
	priv, err := crypto.LoadOrCreateSigningKey(serverKeyPath)
	if err != nil {
		return nil, nil, err
	}

	// Export the matching verify key for client distribution.
	verifyPath := filepath.Join(filepath.Dir(serverKeyPath), "server_verify.pem")
	if _, err := os.Stat(verifyPath); os.IsNotExist(err) {
		if err := crypto.WriteVerifyKey(verifyPath, priv.Public().(ed25519.PublicKey)); err != nil {
			return nil, nil, err
		}
	}

	clientVerifyPath, err := config.GetClientVerifyPath()
	if err != nil {
		return nil, nil, err
	}
	pub, err := crypto.LoadVerifyKey(clientVerifyPath)
	if os.IsNotExist(err) {
		clientPub, clientPriv, genErr := crypto.GenerateIdentity()
		if genErr != nil {
			return nil, nil, genErr
		}
		if err := crypto.WriteVerifyKey(clientVerifyPath, clientPub); err != nil {
			return nil, nil, err
		}
		clientKeyPath := filepath.Join(filepath.Dir(clientVerifyPath), "client_key.pem")
		if err := crypto.WriteSigningKey(clientKeyPath, clientPriv); err != nil {
			return nil, nil, err
		}
		log.Printf("Generated client identity: verify key %s, signing key %s", clientVerifyPath, clientKeyPath)
		pub = clientPub
	} else if err != nil {
		return nil, nil, err
	}

	return priv, pub, nil
}
