package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/MatyMusic/maty-sub002/internal/archive"
	"github.com/MatyMusic/maty-sub002/internal/auth"
	"github.com/MatyMusic/maty-sub002/internal/config"
	"github.com/MatyMusic/maty-sub002/internal/conversation"
	"github.com/MatyMusic/maty-sub002/internal/logger"
	"github.com/MatyMusic/maty-sub002/internal/metrics"
	"github.com/MatyMusic/maty-sub002/internal/outbox"
	"github.com/MatyMusic/maty-sub002/internal/presence"
	"github.com/MatyMusic/maty-sub002/internal/transport"
)

func main() {
	_ = godotenv.Load()
	cfgPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logg, err := logger.New(logger.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	sess, err := buildSession(cfg)
	if err != nil {
		logg.Fatalw("session init", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		logg.Fatalw("outbox init", "err", err)
	}
	arch, archClose, err := buildArchive(ctx, cfg)
	if err != nil {
		logg.Fatalw("archive init", "err", err)
	}
	if archClose != nil {
		defer archClose()
	}

	socket := transport.NewSocket(cfg.Server.SocketURL, sess, cfg.AckTimeout, logg)
	rest := transport.NewREST(cfg.Server.BaseURL, sess, cfg.RequestTimeout, logg)
	ob := outbox.New(queue, logg)
	sig := presence.NewSignaler(func(peerID string) {
		env, err := transport.NewEnvelope(transport.EventTyping, transport.TypingPayload{PeerID: peerID})
		if err == nil {
			_ = socket.Emit(env)
		}
	}, cfg.TypingDebounce, cfg.TypingTTL)
	sig.OnChange(func(peerID string, typing bool) {
		if typing {
			fmt.Printf("  [%s is typing…]\n", peerID)
		}
	})

	ctrl := conversation.NewController(socket, rest, ob, sig, arch, sess, cfg.Chat.PageSize, logg)
	defer ctrl.Close()

	// a restored connection is the online signal: replay the outbox
	socket.On(transport.EventConnect, func(transport.Envelope) {
		go func() {
			if err := ctrl.HandleOnline(ctx); err != nil && err != conversation.ErrNoSession {
				logg.Warnw("outbox flush after reconnect", "err", err)
			}
		}()
	})

	if cfg.Server.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil {
				logg.Warnw("metrics server", "err", err)
			}
		}()
	}

	go maintainConnection(ctx, socket, logg)

	socket.On(transport.EventChatNew, func(env transport.Envelope) {
		var w transport.WireMessage
		if json.Unmarshal(env.Payload, &w) != nil || w.From == sess.UserID {
			return
		}
		if w.From == ctrl.PeerID() {
			fmt.Printf("  %s: %s\n", w.From, w.Text)
		}
	})

	logg.Infow("chatsync ready", "user", sess.UserID, "admin", sess.Admin)
	repl(ctx, ctrl)
}

func buildSession(cfg *config.Config) (*auth.Session, error) {
	if cfg.Server.Token != "" && cfg.Server.JWTSecret != "" {
		return auth.FromToken(cfg.Server.Token, cfg.Server.JWTSecret)
	}
	if cfg.Server.UserID == "" {
		return nil, fmt.Errorf("either server.token+jwt_secret or server.user_id is required")
	}
	s := auth.Static(cfg.Server.UserID, cfg.Server.Admin)
	s.Token = cfg.Server.Token
	return s, nil
}

func buildQueue(ctx context.Context, cfg *config.Config) (outbox.Queue, error) {
	switch cfg.Outbox.Backend {
	case "memory":
		return outbox.NewMemory(), nil
	case "file":
		dir := cfg.Outbox.Dir
		if dir == "" {
			dir = ".chatsync/outbox"
		}
		return outbox.NewFile(dir)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Outbox.Redis.Addr,
			Password: cfg.Outbox.Redis.Password,
			DB:       cfg.Outbox.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return outbox.NewRedis(client, cfg.Outbox.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown outbox backend %q", cfg.Outbox.Backend)
	}
}

func buildArchive(ctx context.Context, cfg *config.Config) (archive.Archive, func(), error) {
	if cfg.Archive.URI == "" {
		return nil, nil, nil
	}
	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(cfg.Archive.URI))
	if err != nil {
		return nil, nil, err
	}
	db := cfg.Archive.Database
	if db == "" {
		db = "chatsync"
	}
	col := cfg.Archive.Collection
	if col == "" {
		col = "messages"
	}
	closeFn := func() { _ = client.Disconnect(context.Background()) }
	return archive.NewMongo(client.Database(db).Collection(col)), closeFn, nil
}

// maintainConnection keeps the socket alive: dial with backoff, wait
// for disconnect, repeat. Sends fall back to REST in the gaps.
func maintainConnection(ctx context.Context, socket *transport.Socket, logg *zap.SugaredLogger) {
	for {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0 // retry until cancelled
		err := backoff.Retry(func() error {
			return socket.Connect(ctx)
		}, backoff.WithContext(b, ctx))
		if err != nil {
			return
		}

		down := make(chan struct{})
		off := socket.On(transport.EventDisconnect, func(transport.Envelope) { close(down) })
		select {
		case <-down:
			off()
			logg.Warnw("socket lost, reconnecting")
		case <-ctx.Done():
			off()
			_ = socket.Disconnect()
			return
		}
	}
}

func repl(ctx context.Context, ctrl *conversation.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: /peer <id>  /more  /resend <msg-id>  /react <msg-id> <emoji>  /pin <msg-id>  /star <msg-id>  /del <msg-id>  /refresh  /quit")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sendText(ctx, ctrl, line)
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/peer":
			if len(fields) < 2 {
				fmt.Println("usage: /peer <id>")
				continue
			}
			if err := ctrl.Open(ctx, fields[1]); err != nil {
				fmt.Printf("  ! load failed (%v), /refresh to retry\n", err)
			}
			printTail(ctrl, 20)
		case "/more":
			added, err := ctrl.LoadMore(ctx)
			if err != nil {
				fmt.Printf("  ! load more failed: %v\n", err)
				continue
			}
			fmt.Printf("  loaded %d older messages\n", added)
		case "/refresh":
			if err := ctrl.Refresh(ctx); err != nil {
				fmt.Printf("  ! refresh failed: %v\n", err)
			}
			printTail(ctrl, 20)
		case "/resend":
			if len(fields) < 2 {
				continue
			}
			if err := ctrl.Resend(ctx, fields[1]); err != nil {
				fmt.Printf("  ! resend failed: %v\n", err)
			}
		case "/react":
			if len(fields) < 3 {
				continue
			}
			ctrl.ReactLocal(fields[1], fields[2])
		case "/pin":
			if len(fields) < 2 {
				continue
			}
			ctrl.TogglePin(fields[1])
		case "/star":
			if len(fields) < 2 {
				continue
			}
			ctrl.ToggleStar(fields[1])
		case "/del":
			if len(fields) < 2 {
				continue
			}
			ctrl.DeleteForMe(fields[1])
		default:
			fmt.Printf("  ? unknown command %s\n", fields[0])
		}
	}
}

func sendText(ctx context.Context, ctrl *conversation.Controller, text string) {
	ctrl.Typing()
	m, err := ctrl.Send(ctx, text, "")
	if err != nil {
		fmt.Printf("  ! send failed, queued for retry (%s)\n", m.ID)
		return
	}
	fmt.Printf("  ✓ %s [%s]\n", m.ID, m.Delivery)
}

func printTail(ctrl *conversation.Controller, n int) {
	msgs := ctrl.Messages()
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		who := "them"
		if m.FromMe {
			who = "me"
		}
		fmt.Printf("  [%s] %s %s: %s (%s)\n",
			m.At.Format(time.Kitchen), m.ID, who, m.Text, m.Delivery)
	}
}
