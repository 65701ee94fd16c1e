package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ootmw.dev/internal/feedproto"
	"ootmw.dev/internal/relay"
)

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "relay base url")
	room := fs.String("room", "default", "room name")
	kind := fs.String("kind", "", "only events of this kind")
	world := fs.Uint("world", 0, "only events involving this world (source or target)")
	raw := fs.Bool("raw", false, "print messages as received")
	_ = fs.Parse(args)

	logger := log.New(os.Stderr, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	u, err := feedURL(*baseURL, *room)
	if err != nil {
		logger.Fatalf("url: %v", err)
	}
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.Dial(u, nil)
	if err != nil {
		logger.Fatalf("dial %s: %v", u, err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	w := feedWatcher{kind: strings.TrimSpace(*kind), world: uint8(*world)}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Printf("read: %v", err)
			}
			return
		}
		if *raw {
			fmt.Println(string(msg))
			continue
		}
		line, err := w.handle(msg)
		if err != nil {
			logger.Printf("%v", err)
			continue
		}
		if line != "" {
			fmt.Println(line)
		}
	}
}

// feedURL turns the relay's http base url into its feed websocket url.
func feedURL(base, room string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/feed"
	u.RawQuery = url.Values{"room": {room}}.Encode()
	return u.String(), nil
}

// feedWatcher renders feed messages. Events already covered by HELLO, or
// repeated after it, are skipped by seq.
type feedWatcher struct {
	kind  string
	world uint8

	lastSeq uint64
}

func (w *feedWatcher) handle(msg []byte) (string, error) {
	base, err := feedproto.DecodeBase(msg)
	if err != nil {
		return "", err
	}
	switch base.Type {
	case feedproto.TypeHello:
		var h feedproto.HelloMsg
		if err := json.Unmarshal(msg, &h); err != nil {
			return "", err
		}
		w.lastSeq = h.Seq
		return formatHello(h), nil
	case feedproto.TypeEvent:
		var em feedproto.EventMsg
		if err := json.Unmarshal(msg, &em); err != nil {
			return "", err
		}
		if em.Event.Seq <= w.lastSeq {
			return "", nil
		}
		w.lastSeq = em.Event.Seq
		if !matchEvent(em.Event, w.kind, w.world) {
			return "", nil
		}
		return formatEvent(em.Event), nil
	default:
		return "", fmt.Errorf("unknown message type %q", base.Type)
	}
}

func formatHello(h feedproto.HelloMsg) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HELLO room=%s seq=%d", h.Room, h.Seq)
	if h.FileHash != "" {
		fmt.Fprintf(&b, " file_hash=%s", h.FileHash)
	}
	fmt.Fprintf(&b, " players=%d pending=%d", len(h.Players), h.Pending)
	for _, p := range h.Players {
		fmt.Fprintf(&b, "\n  world %d %q", p.World, p.Name)
		if p.Client != 0 {
			fmt.Fprintf(&b, " client=%d", p.Client)
		}
	}
	for _, q := range h.Queues {
		fmt.Fprintf(&b, "\n  queue %d len=%d", q.World, q.Len)
	}
	return b.String()
}

func formatEvent(ev relay.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s", ev.Seq, ev.Time.Format("15:04:05.000"), ev.Kind)
	if ev.Client != 0 {
		fmt.Fprintf(&b, " client=%d", ev.Client)
	}
	if ev.World != 0 {
		fmt.Fprintf(&b, " world=%d", ev.World)
	}
	if ev.Target != 0 {
		fmt.Fprintf(&b, " target=%d", ev.Target)
	}
	if ev.Key != 0 {
		fmt.Fprintf(&b, " key=%#x", ev.Key)
	}
	if ev.Item != 0 {
		fmt.Fprintf(&b, " item=%#x", ev.Item)
	}
	if ev.Name != "" {
		fmt.Fprintf(&b, " name=%q", ev.Name)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	return b.String()
}
