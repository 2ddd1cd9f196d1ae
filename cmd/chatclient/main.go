package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"swiftservice/internal/adapter/repository"
	"swiftservice/internal/adapter/rest"
	"swiftservice/internal/domain/entity"
	domainrepo "swiftservice/internal/domain/repository"
	"swiftservice/internal/infrastructure/cache"
	"swiftservice/internal/infrastructure/firebase"
	"swiftservice/internal/infrastructure/metrics"
	ws "swiftservice/internal/infrastructure/websocket"
	"swiftservice/internal/usecase"
	"swiftservice/pkg/config"
	"swiftservice/pkg/logger"
)

func main() {
	email := flag.String("email", os.Getenv("CHAT_EMAIL"), "sign in with this email")
	password := flag.String("password", os.Getenv("CHAT_PASSWORD"), "password for -email")
	devUID := flag.String("dev-uid", os.Getenv("CHAT_DEV_UID"), "sign in as this uid with a dev custom token")
	chatWith := flag.String("chat", "", "open an interactive chat with this user id")
	name := flag.String("name", "", "display name used for optimistic messages")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Development: cfg.IsDevelopment()}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sessionOpts []firebase.Option
	if cfg.IsDevelopment() && cfg.ServiceAccountPath != "" {
		admin, err := firebase.NewAdminAuthClient(ctx, cfg.FirebaseProject, cfg.ServiceAccountPath)
		if err != nil {
			logger.Warn("Dev token sign-in disabled: %v", err)
		} else {
			sessionOpts = append(sessionOpts, firebase.WithAdminClient(admin))
		}
	}
	session := firebase.NewSession(cfg.FirebaseAPIKey, sessionOpts...)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	manager := ws.NewManager(session, ws.Options{
		URL:            cfg.SocketURL,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		InitialBackoff: cfg.ReconnectInitialDelay,
		MaxBackoff:     cfg.ReconnectMaxDelay,
		Metrics:        m,
	})

	api, closeAPI, err := newConversationAPI(ctx, cfg, session)
	if err != nil {
		logger.Error("Failed to initialize %s backend: %v", cfg.Backend, err)
		os.Exit(1)
	}
	defer closeAPI()

	storeOpts := usecase.StoreOptions{Metrics: m, RequestTimeout: cfg.RequestTimeout}
	if cfg.SnapshotPath != "" {
		snapshots, err := cache.Open(cfg.SnapshotPath)
		if err != nil {
			logger.Error("Failed to open snapshot cache: %v", err)
			os.Exit(1)
		}
		defer snapshots.Close()
		storeOpts.Cache = snapshots
	}

	store := usecase.NewConversationStore(api, manager, session.UserID, storeOpts)
	badge := usecase.NewBadgeAggregator(store, cfg.PollInterval, clockwork.NewRealClock())
	defer badge.Stop()
	badge.OnChange(func(count int) {
		logger.Info("Unread conversations: %d", count)
	})

	unsubscribe := session.OnAuthStateChanged(func(uid string) {
		if uid == "" {
			logger.Info("Signed out")
			store.Reset()
			manager.Disconnect()
			return
		}
		logger.Info("Signed in as %s", uid)
		store.Start()
		if err := store.Hydrate(ctx); err != nil {
			logger.Warn("Hydrate failed: %v", err)
		}
		if err := manager.Connect(ctx); err != nil {
			logger.Error("Connect failed: %v", err)
		}
	})
	defer unsubscribe()

	switch {
	case *devUID != "":
		err = session.SignInWithDevToken(ctx, *devUID)
	default:
		err = session.SignInWithPassword(ctx, *email, *password)
	}
	if err != nil {
		logger.Error("Sign-in failed: %v", err)
		os.Exit(1)
	}
	// exiting is not a sign-out: the snapshot stays for the next start
	defer manager.Disconnect()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return badge.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
		g.Go(func() error {
			logger.Info("Serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if *chatWith != "" {
		user := entity.LocalUser{ID: session.UserID(), Name: *name}
		g.Go(func() error {
			defer stop()
			return runChat(gctx, store, api, manager, user, *chatWith, cfg.TypingQuietPeriod)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("chatclient: %v", err)
		os.Exit(1)
	}
}

func newConversationAPI(ctx context.Context, cfg *config.Config, session *firebase.Session) (domainrepo.ConversationAPI, func(), error) {
	if cfg.Backend != config.BackendFirestore {
		client := rest.NewClient(rest.ClientConfig{
			BaseURL:         cfg.APIBaseURL,
			Timeout:         cfg.RequestTimeout,
			RetryMaxElapsed: cfg.RetryMaxElapsed,
		}, session)
		return client, func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.ServiceAccountPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.ServiceAccountPath))
	}
	client, err := firestore.NewClient(ctx, cfg.FirebaseProject, opts...)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Firestore close: %v", err)
		}
	}
	return repository.NewFirestoreConversationAPI(client, session.UserID), closeFn, nil
}

// runChat is a line-based chat with one other user. Typing "/quit" or
// closing stdin ends it.
func runChat(ctx context.Context, store *usecase.ConversationStore, history domainrepo.MessageHistory, transport usecase.SessionTransport, user entity.LocalUser, otherUserID string, quiet time.Duration) error {
	conversationID, err := store.CreateOrGetConversation(ctx, otherUserID)
	if err != nil {
		return fmt.Errorf("open conversation with %s: %w", otherUserID, err)
	}

	chat := usecase.NewChatSession(conversationID, user, history, transport, usecase.SessionOptions{
		PeerID:      otherUserID,
		QuietPeriod: quiet,
	})
	chat.Open()
	defer chat.Close()

	printed := make(map[string]bool)
	peerTyping := false
	render := func() {
		for _, msg := range chat.Messages() {
			if msg.Pending || printed[msg.ID] {
				continue
			}
			printed[msg.ID] = true
			if msg.SenderID == user.ID {
				continue
			}
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format("15:04"), msg.SenderName, msg.Text)
		}
		if typing := chat.PeerTyping(); typing != peerTyping {
			peerTyping = typing
			if typing {
				fmt.Println("... typing")
			}
		}
	}

	events := make(chan struct{}, 1)
	unsubscribe := chat.Subscribe(func() {
		select {
		case events <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := chat.LoadMessages(ctx); err != nil {
		logger.Warn("Loading history failed: %v", err)
	}
	store.MarkConversationAsRead(ctx, conversationID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	render()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			render()
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			chat.HandleTyping(line)
			if err := chat.HandleSendMessage(line); err != nil {
				fmt.Printf("! not sent: %v\n", err)
			}
		}
	}
}
