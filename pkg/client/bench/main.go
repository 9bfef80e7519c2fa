package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chatline "github.com/putto11262002/chatline/app"
	"github.com/putto11262002/chatline/core"
	"github.com/putto11262002/chatline/pkg/client"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type options struct {
	clients     int
	messageSize int
	rate        float64
	duration    time.Duration
	migrations  string
}

type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	failed    int
	timeouts  int
}

func (s *stats) record(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.latencies = append(s.latencies, d)
	case errors.Is(err, client.ErrAckTimeout):
		s.timeouts++
	default:
		s.failed++
	}
}

func (s *stats) print() {
	slices.Sort(s.latencies)
	fmt.Printf("Total requests: %d\n", len(s.latencies)+s.failed+s.timeouts)
	fmt.Printf("Total succesful: %d\n", len(s.latencies))
	fmt.Printf("Total failed: %d\n", s.failed)
	fmt.Printf("Total timed out: %d\n", s.timeouts)
	if len(s.latencies) == 0 {
		return
	}
	fmt.Printf("50th percentile latency: %v\n", s.latencies[len(s.latencies)/2])
	fmt.Printf("99th percentile latency: %v\n", s.latencies[int(float64(len(s.latencies))*0.99)])
}

func main() {
	var opts options
	pflag.IntVarP(&opts.clients, "clients", "c", 100, "number of connected users")
	pflag.IntVarP(&opts.messageSize, "size", "s", 100, "message size in bytes")
	pflag.Float64VarP(&opts.rate, "rate", "r", 2, "messages per second per user")
	pflag.DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "test duration")
	pflag.StringVar(&opts.migrations, "migrations", "./migrations", "migration directory")
	pflag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run starts an in-memory server, puts every user in one chat and has each of
// them send messages at a fixed rate, measuring the time to acknowledgment.
func run(opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := &chatline.Config{Port: 8081, Hostname: "localhost", Mode: chatline.ProdMode, AllowedOrigins: []string{"*"}}
	config.Auth.Secret = []byte(base64.StdEncoding.EncodeToString([]byte(uuid.New().String())))
	config.Auth.TokenExp = time.Hour
	config.SQLite.File = uuid.New().String()
	config.SQLite.Migrations = opts.migrations
	config.SQLite.Mode = "memory"
	config.WS.Identity = chatline.QueryIdentity
	config.WS.IdentityParam = "userId"
	config.WS.SendBuffer = 1024
	config.Chat.HistoryLimit = 50
	config.Chat.SweepInterval = time.Minute

	app, err := chatline.New(ctx, config)
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return err
	}
	server := &http.Server{Handler: app.Handler()}
	go server.Serve(listener)
	defer server.Close()
	baseURL := "http://" + listener.Addr().String()

	usernames := make([]string, opts.clients)
	for i := range usernames {
		usernames[i] = fmt.Sprintf("user%d", i)
		if err := post(baseURL+"/api/users", "", core.User{Username: usernames[i], Name: usernames[i], Password: "password"}, nil); err != nil {
			return fmt.Errorf("register %s: %w", usernames[i], err)
		}
	}

	var session core.Session
	if err := post(baseURL+"/api/auth/signin", "", chatline.SigninPayload{Username: usernames[0], Password: "password"}, &session); err != nil {
		return fmt.Errorf("signin: %w", err)
	}
	var chat chatline.CreateChatResponse
	if err := post(baseURL+"/api/chats", session.Token, chatline.CreateChatPayload{Name: "bench", Participants: usernames[1:]}, &chat); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	clients := make([]*client.Client, opts.clients)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, username := range usernames {
		g.Go(func() error {
			c, err := client.Dial(gctx, client.Config{
				URL:         strings.Replace(baseURL, "http://", "ws://", 1) + "/ws",
				UserID:      username,
				EventBuffer: 4096,
			})
			if err != nil {
				return fmt.Errorf("dial %s: %w", username, err)
			}
			clients[i] = c
			if _, err := c.Join(gctx, chat.ID); err != nil {
				return fmt.Errorf("join %s: %w", username, err)
			}
			return nil
		})
	}
	err = g.Wait()
	defer func() {
		for _, c := range clients {
			if c != nil {
				c.Close()
			}
		}
	}()
	if err != nil {
		return err
	}
	log.Printf("%d clients joined chat %s", len(clients), chat.ID)

	runCtx, runCancel := context.WithTimeout(ctx, opts.duration)
	defer runCancel()

	var (
		results stats
		wg      sync.WaitGroup
	)
	content := strings.Repeat("a", opts.messageSize)
	for _, c := range clients {
		wg.Add(2)
		// broadcasts are not measured but must be drained
		go func() {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case _, ok := <-c.Events():
					if !ok {
						return
					}
				}
			}
		}()
		go func() {
			defer wg.Done()
			limiter := rate.NewLimiter(rate.Limit(opts.rate), 1)
			for limiter.Wait(runCtx) == nil {
				start := time.Now()
				_, err := c.SendMessage(runCtx, chat.ID, content)
				if runCtx.Err() != nil {
					return
				}
				results.record(time.Since(start), err)
			}
		}()
	}
	wg.Wait()

	results.print()
	return nil
}

func post(url, token string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", res.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
