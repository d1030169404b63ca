package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/parasitechat/pkg/auth"
	"github.com/aeolun/parasitechat/pkg/crypto"
	"github.com/aeolun/parasitechat/pkg/database"
	"github.com/aeolun/parasitechat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// generateName combines fragments of two random words into a display name
func generateName() string {
	fragment := func() string {
		word := strings.Trim(loremWords[rand.Intn(len(loremWords))], ".,")
		if len(word) > 5 {
			word = word[:3+rand.Intn(3)]
		}
		return word
	}
	return strings.ToLower(fragment() + fragment())
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	postFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
	s.postFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// botMessage is the plaintext every bot sends; the tag matches the echo to the send
type botMessage struct {
	Message string `json:"message"`
	Tag     string `json:"tag"`
}

type inboundFrame struct {
	Type protocol.MessageType `json:"type"`
	Data json.RawMessage      `json:"data"`
}

// BotClient is one simulated parasite holding a socket to the relay
type BotClient struct {
	id       int
	identity string
	ws       *websocket.Conn
	key      []byte
	stats    *Stats
	peers    []string
	sequence int

	pendingMu sync.Mutex
	pending   map[string]time.Time // tag -> send time
	closed    chan struct{}
}

func botIdentity(id int) string {
	return fmt.Sprintf("loadtest-%d", id)
}

// provisionBots makes sure every bot has an active account in the relay database
func provisionBots(dbPath string, count int) error {
	db, err := database.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	for i := 0; i < count; i++ {
		id := botIdentity(i)
		exists, err := db.ParasiteExists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			if err := db.SetParasiteActive(ctx, id, true); err != nil {
				return err
			}
			continue
		}
		if err := db.CreateParasite(ctx, &database.Parasite{ID: id, Name: generateName(), Active: true}); err != nil {
			return err
		}
	}
	return nil
}

func NewBotClient(id int, peers []string, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		identity: botIdentity(id),
		stats:    stats,
		peers:    peers,
		pending:  make(map[string]time.Time),
		closed:   make(chan struct{}),
	}
}

// Connect dials the relay and completes the key exchange
func (bc *BotClient) Connect(url, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return err
	}
	bc.ws = ws

	serverKey, err := bc.waitFor(protocol.TypeKeyExchange)
	if err != nil {
		return err
	}
	var exchange protocol.KeyExchangeData
	if err := json.Unmarshal(serverKey, &exchange); err != nil {
		return err
	}
	serverPublic, err := base64.StdEncoding.DecodeString(exchange.PublicKey)
	if err != nil {
		return err
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if bc.key, err = crypto.SharedKey(pair.Private, serverPublic); err != nil {
		return err
	}
	if err := ws.WriteJSON(map[string]any{
		"type":      protocol.TypeKeyExchange,
		"publicKey": base64.StdEncoding.EncodeToString(pair.Public),
	}); err != nil {
		return err
	}

	_, err = bc.waitFor(protocol.TypeHistory)
	return err
}

// waitFor reads frames until msgType arrives; used only before the read loop starts
func (bc *BotClient) waitFor(msgType protocol.MessageType) (json.RawMessage, error) {
	bc.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer bc.ws.SetReadDeadline(time.Time{})
	for {
		var frame inboundFrame
		if err := bc.ws.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", msgType, err)
		}
		if frame.Type == msgType {
			return frame.Data, nil
		}
	}
}

// readLoop matches echoed messages to their sends
func (bc *BotClient) readLoop() {
	defer close(bc.closed)
	for {
		var frame inboundFrame
		if err := bc.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case protocol.TypeMessage:
			var data protocol.MessageData
			if err := json.Unmarshal(frame.Data, &data); err != nil || data.Sender != bc.identity {
				continue
			}
			sealed, err := data.Payload.Sealed()
			if err != nil {
				continue
			}
			plaintext, err := crypto.OpenWithKey(bc.key, sealed)
			if err != nil {
				continue
			}
			var msg botMessage
			if json.Unmarshal(plaintext, &msg) != nil {
				continue
			}
			bc.pendingMu.Lock()
			sent, ok := bc.pending[msg.Tag]
			delete(bc.pending, msg.Tag)
			bc.pendingMu.Unlock()
			if ok {
				bc.stats.recordSuccess(time.Since(sent).Microseconds())
			}

		case protocol.TypeError:
			var data protocol.ErrorData
			if json.Unmarshal(frame.Data, &data) == nil {
				log.Debug().Int("bot", bc.id).Int("code", data.Code).Str("message", data.Message).Msg("error frame")
			}
			bc.stats.recordPostFailure()

		case protocol.TypeAuthFailure:
			return
		}
	}
}

// PostRandomMessage sends a private message to a random peer
func (bc *BotClient) PostRandomMessage() error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	bc.sequence++
	tag := fmt.Sprintf("%s-%d", bc.identity, bc.sequence)
	plaintext, err := json.Marshal(botMessage{Message: strings.Join(words, " "), Tag: tag})
	if err != nil {
		return err
	}
	sealed, err := crypto.SealWithKey(bc.key, plaintext)
	if err != nil {
		return err
	}

	bc.pendingMu.Lock()
	bc.pending[tag] = time.Now()
	bc.pendingMu.Unlock()

	return bc.ws.WriteJSON(map[string]any{
		"type":        protocol.TypePrivateMessage,
		"destination": bc.peers[rand.Intn(len(bc.peers))],
		"payload":     protocol.NewEncryptedPayload(sealed),
	})
}

// expire counts sends that never came back as timeouts
func (bc *BotClient) expire(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	bc.pendingMu.Lock()
	defer bc.pendingMu.Unlock()
	for tag, sent := range bc.pending {
		if sent.Before(cutoff) {
			delete(bc.pending, tag)
			bc.stats.recordTimeout()
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.ws.Close()
	go bc.readLoop()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		select {
		case <-bc.closed:
			bc.stats.recordDisconnection()
			return
		default:
		}

		if err := bc.PostRandomMessage(); err != nil {
			bc.stats.recordDisconnection()
			return
		}
		bc.expire(10 * time.Second)

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid a thundering herd of presence broadcasts
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
	bc.expire(0)

	bc.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/ws", "Relay websocket URL")
	dbPath := flag.String("db", "", "Relay database to provision bot accounts in (skip if empty)")
	secret := flag.String("secret", "", "Session secret shared with the relay")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	debug := flag.Bool("debug", false, "Log error frames")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *secret == "" {
		log.Fatal().Msg("--secret is required")
	}
	if *numClients < 2 {
		log.Fatal().Msg("--clients must be at least 2")
	}
	if *dbPath != "" {
		if err := provisionBots(*dbPath, *numClients); err != nil {
			log.Fatal().Err(err).Msg("failed to provision bot accounts")
		}
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Info().
		Str("server", *serverURL).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUpDuration).
		Dur("min_delay", *minDelay).
		Dur("max_delay", *maxDelay).
		Msg("starting load test")

	authenticator := auth.NewAuthenticator([]byte(*secret), "")
	peers := make([]string, *numClients)
	for i := range peers {
		peers[i] = botIdentity(i)
	}

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Info().
					Int64("delivered", posted).
					Float64("rate", float64(posted)/elapsed).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Float64("avg_ms", avgUs/1000.0).
					Msg("stats")
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, peers, stats)
			token, err := authenticator.GenerateToken(bot.identity, *duration+rampUpDuration+time.Minute)
			if err != nil {
				stats.recordConnectionError()
				return
			}
			if err := bot.Connect(*serverURL, token); err != nil {
				log.Debug().Err(err).Int("bot", id).Msg("connect failed")
				stats.recordConnectionError()
				return
			}

			if id%100 == 0 {
				log.Info().Int("bot", id).Msg("connected")
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received, stopping stats")
		stopOnce.Do(func() { close(stopStats) })
	}()

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	posted, failed, connErrors, avgUs := stats.snapshot()
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(*numClients)

	log.Info().
		Dur("duration", *duration).
		Int64("delivered", posted).
		Float64("rate", float64(posted)/duration.Seconds()).
		Int64("failed", failed).
		Int64("post_failures", stats.postFailures.Load()).
		Int64("timeouts", stats.timeouts.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("conn_errors", connErrors).
		Float64("avg_ms", avgUs/1000.0).
		Float64("expected", expectedTotal).
		Float64("efficiency_pct", float64(posted)/expectedTotal*100).
		Msg("final results")

	if posted > 0 {
		log.Info().Float64("success_pct", float64(posted)/float64(posted+failed)*100).Msg("success rate")
	}
}
