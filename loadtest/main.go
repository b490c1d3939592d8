package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	pkglog "division-chat/internal/log"
)

const password = "password123"

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base url")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("msgs", 20, "messages per user")
)

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
}

type conversationResponse struct {
	Room string `json:"room"`
}

var sent, received atomic.Int64

func main() {
	flag.Parse()
	pkglog.Init(pkglog.Config{Level: "info", Pretty: true, ServiceName: "loadtest"})
	l := pkglog.L()

	l.Info().Int("users", *pairCount*2).Int("msgs", *msgCount).Msg("starting stress test")
	start := time.Now()

	// pairs: user 0a talks to 0b, 1a to 1b...
	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	l.Info().
		Int64("sent", sent.Load()).
		Int64("received", received.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

func runPair(pairID int) {
	l := pkglog.L()
	emailA := fmt.Sprintf("u_%d_a@loadtest.local", pairID)
	emailB := fmt.Sprintf("u_%d_b@loadtest.local", pairID)

	a, errA := authenticate(emailA)
	b, errB := authenticate(emailB)
	if errA != nil || errB != nil {
		l.Error().Int("pair", pairID).AnErr("a", errA).AnErr("b", errB).Msg("auth failed")
		return
	}

	room, err := createConversation(a.AccessToken, b.ID)
	if err != nil {
		l.Error().Err(err).Int("pair", pairID).Msg("create conversation failed")
		return
	}

	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		if err := post("/api/presence/online", tok, nil); err != nil {
			l.Warn().Err(err).Msg("mark online failed")
		}
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a.AccessToken, room, emailA)
	go spamChat(&wsWg, b.AccessToken, room, emailB)
	wsWg.Wait()

	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		post("/api/presence/offline", tok, nil)
	}
}

// authenticate registers (a 409 for an existing user is fine) and logs in.
func authenticate(email string) (*loginResponse, error) {
	creds := map[string]string{"email": email, "password": password}
	post("/register", "", creds)

	var out loginResponse
	if err := postDecode("/login", "", creds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func createConversation(token string, peerID int64) (string, error) {
	var out conversationResponse
	if err := postDecode("/api/conversations", token, map[string]int64{"peer_id": peerID}, &out); err != nil {
		return "", err
	}
	return out.Room, nil
}

func spamChat(wg *sync.WaitGroup, token, room, who string) {
	defer wg.Done()
	l := pkglog.L().With().Str("user", who).Str(pkglog.FieldRoom, room).Logger()

	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/ws/messages/" + room + "/?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		l.Error().Err(err).Msg("ws connect failed")
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	for i := 0; i < *msgCount; i++ {
		if err := conn.WriteJSON(map[string]string{"text": fmt.Sprintf("LoadTest Msg %d from %s", i, who)}); err != nil {
			l.Error().Err(err).Msg("send failed")
			break
		}
		sent.Add(1)
		// simulate real network pacing
		time.Sleep(10 * time.Millisecond)
	}

	// let the echoes drain before hanging up
	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
	}
	l.Debug().Int("msgs", *msgCount).Msg("finished sending")
}

func post(endpoint, token string, body interface{}) error {
	resp, err := do(endpoint, token, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func postDecode(endpoint, token string, body, out interface{}) error {
	resp, err := do(endpoint, token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func do(endpoint, token string, body interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
