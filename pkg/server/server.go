package server

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/andriy/mychat/pkg/crypto"
	"github.com/andriy/mychat/pkg/database"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// How often the sweeper drains the pending-removal queue.
const sweepInterval = 50 * time.Millisecond

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// Server accepts connections and runs one ClientEndpoint per connection.
type Server struct {
	store          database.CredentialStore
	dir            *Directory
	config         ServerConfig
	signer         *crypto.Signer
	clientVerifier *crypto.Verifier

	listener   net.Listener
	metricsSrv *http.Server
	shutdown   chan struct{}
	wg         sync.WaitGroup
	metrics    *Metrics
	startTime  time.Time
}

// NewServer creates a server. signingKey proves the server's identity to
// clients; clientKey is the pre-shared credential every legitimate client
// build signs challenges with. The server takes ownership of store and
// closes it on Stop.
func NewServer(store database.CredentialStore, signingKey ed25519.PrivateKey, clientKey ed25519.PublicKey, config ServerConfig) *Server {
	metrics := NewMetrics()
	return &Server{
		store:          store,
		dir:            NewDirectory(metrics),
		config:         config,
		signer:         crypto.NewSigner(signingKey),
		clientVerifier: crypto.NewVerifier(clientKey),
		shutdown:       make(chan struct{}),
		metrics:        metrics,
		startTime:      time.Now(),
	}
}

// EnableDebugLogging turns on per-session debug output to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start begins listening and returns immediately. TCPPort 0 picks an
// ephemeral port, readable afterwards via Addr.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Chat server listening on %s", listener.Addr())

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsSrv.Addr)
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.sweepLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the address the TCP listener is bound to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// HealthHandler reports basic liveness plus session and uptime counts.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"uptime_seconds":%d}`,
		s.dir.SessionCount(), int(time.Since(s.startTime).Seconds()))
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	debugLog.Printf("New connection from %s", conn.RemoteAddr())
	newClientEndpoint(s, conn).Run()
}

// sweepLoop tears down sessions whose connections failed mid-forward.
// Removal happens here, outside any in-progress fan-out iteration.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, ep := range s.dir.DrainPending() {
				debugLog.Printf("Sweeping dead session %q", ep.login)
				ep.Free()
			}
		}
	}
}

// Stop gracefully stops the server: no new connections, all sessions
// freed, background loops joined, store closed.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}

	for _, ep := range s.dir.AllEndpoints() {
		ep.Free()
	}
	for _, ep := range s.dir.DrainPending() {
		ep.Free()
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		log.Printf("Error closing credential store: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}
