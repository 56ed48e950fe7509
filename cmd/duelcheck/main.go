package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-duel/pkg/duelproto"
)

// duelcheck creates a session on a running server, seats two peers and plays
// one move each, printing everything the server sends.
func main() {
	baseURL := strings.TrimRight(os.Getenv("DUEL_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	code := os.Getenv("DUEL_CODE")

	if code == "" {
		info, err := createSession(baseURL, os.Getenv("DUEL_FEN"))
		if err != nil {
			log.Fatalf("create session: %v", err)
		}
		code = info.Code
		log.Printf("session created code=%s fen=%s", code, info.State.FEN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	wsBase := "ws" + strings.TrimPrefix(baseURL, "http")
	white, err := join(ctx, wsBase, code, "duelcheck-white")
	if err != nil {
		log.Fatalf("white join: %v", err)
	}
	defer white.Close(websocket.StatusNormalClosure, "")
	black, err := join(ctx, wsBase, code, "duelcheck-black")
	if err != nil {
		log.Fatalf("black join: %v", err)
	}
	defer black.Close(websocket.StatusNormalClosure, "")

	go dump(ctx, "white", white)
	go dump(ctx, "black", black)

	send := func(c *websocket.Conn, req duelproto.Request) {
		if err := wsjson.Write(ctx, c, req); err != nil {
			log.Printf("send %s: %v", req.ID, err)
		}
	}
	send(white, duelproto.Request{Type: duelproto.TypePropose, ID: "w1", From: "e2", To: "e4"})
	time.Sleep(300 * time.Millisecond)
	send(black, duelproto.Request{Type: duelproto.TypePropose, ID: "b1", From: "e7", To: "e5"})
	time.Sleep(300 * time.Millisecond)
	send(white, duelproto.Request{Type: duelproto.TypeStatus, ID: "w2"})

	// observe for a short window
	t := time.NewTimer(2 * time.Second)
	<-t.C
}

func createSession(baseURL, fen string) (duelproto.SessionInfo, error) {
	var info duelproto.SessionInfo
	body, err := json.Marshal(duelproto.CreateSessionRequest{FEN: fen})
	if err != nil {
		return info, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(baseURL + "/api/sessions")
	req.Header.SetContentType("application/json")
	req.SetBody(body)
	if err := fasthttp.DoTimeout(req, resp, 5*time.Second); err != nil {
		return info, err
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return info, fmt.Errorf("status=%d body=%s", resp.StatusCode(), resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return info, err
	}
	if info.State == nil {
		info.State = &duelproto.State{}
	}
	return info, nil
}

func join(ctx context.Context, wsBase, code, peer string) (*websocket.Conn, error) {
	c, resp, err := websocket.Dial(ctx, wsBase+"/ws/"+code+"?peer="+peer, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status=%d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return c, nil
}

func dump(ctx context.Context, who string, c *websocket.Conn) {
	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}
		fmt.Printf("%s <- %s\n", who, msg)
	}
}
