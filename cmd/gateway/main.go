package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/restxmpp/gateway/internal/api"
	"github.com/restxmpp/gateway/internal/config"
	"github.com/restxmpp/gateway/internal/notify"
	"github.com/restxmpp/gateway/internal/pool"
	"github.com/restxmpp/gateway/internal/stats"
	"github.com/restxmpp/gateway/internal/xmpp"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	xmppServer     string
	pushURL        string
	pushQueueSize  int
	bufferSize     int
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&xmppServer, "xmpp-server", "loopback", "XMPP server address, or \"loopback\" for the development transport")
	flag.StringVar(&pushURL, "push-url", "", "push notification service URL, pushes disabled when empty")
	flag.IntVar(&pushQueueSize, "push-queue-size", 256, "pending push notification queue size")
	flag.IntVar(&bufferSize, "buffer-size", xmpp.DefaultChatBufferSize, "per-conversation message buffer size")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[gateway] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, xmppServer, pushURL, pushQueueSize, bufferSize, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	var dialer xmpp.Dialer
	switch cfg.XMPPServer {
	case "loopback":
		logger.Println("using loopback transport")
		dialer = xmpp.NewLoopbackDialer()
	default:
		logger.Fatalf("no transport available for server %q", cfg.XMPPServer)
	}

	var pushSender *notify.PushSender
	if cfg.PushURL != "" {
		pushSender = notify.NewPushSender(logger, notify.NewHTTPDeliverer(cfg.PushURL), cfg.PushQueueSize)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	sessionPool := pool.NewSessionPool(logger, dialer, cfg.XMPPServer, pushSender, cfg.ChatBufferSize, statsUpdater)

	srv := api.NewGatewayApp(mux, logger, sessionPool, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down session pool...")
	sessionPool.Shutdown()

	logger.Println("shutdown complete")
}
