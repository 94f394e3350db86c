package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// statusEnvelope is the frame format of the gyroaimd status websocket.
type statusEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3002/ws/status", "gyroaimd status websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
		quiet = flag.Bool("quiet-aim", false, "Do not print aim_changed frames")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	// The daemon pings; answering keeps our read deadline fresh.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			printFrame(message, *quiet)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printFrame prints one status frame in a compact, human-readable form.
func printFrame(message []byte, quietAim bool) {
	var env statusEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}
	fmt.Print(formatFrame(env, quietAim))
}

func formatFrame(env statusEnvelope, quietAim bool) string {
	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000") + " "
	}

	switch env.Type {
	case "aim_changed":
		if quietAim {
			return ""
		}
		var d struct {
			AimActive bool `json:"aim_active"`
		}
		_ = json.Unmarshal(env.Data, &d)
		state := "OFF"
		if d.AimActive {
			state = "ON"
		}
		return fmt.Sprintf("%s[AIM] %s\n", ts, state)

	case "calibration_changed":
		var d struct {
			Previous string   `json:"previous"`
			State    string   `json:"state"`
			Flick    *float64 `json:"committed_flick"`
		}
		_ = json.Unmarshal(env.Data, &d)
		line := fmt.Sprintf("%s[CALIBRATION] %s -> %s", ts, d.Previous, d.State)
		if d.Flick != nil {
			line += fmt.Sprintf(" (flick value %.0f)", *d.Flick)
		}
		return line + "\n"

	default:
		pretty, err := json.MarshalIndent(env.Data, "", "  ")
		if err != nil {
			pretty = env.Data
		}
		return fmt.Sprintf("%s[%s]\n%s\n\n", ts, env.Type, string(pretty))
	}
}
