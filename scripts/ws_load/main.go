// Command ws_load opens many WebSocket connections at once and reports how
// the server admitted them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/socialmap-server/internal/proto"
)

type tally struct {
	mu       sync.Mutex
	accepted int
	warned   int
	rejected int
	joined   int
	failed   int
}

func (t *tally) add(f func(*tally)) {
	t.mu.Lock()
	f(t)
	t.mu.Unlock()
}

type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	clients := flag.Int("clients", 30, "number of concurrent connections")
	activity := flag.String("activity", "load-test", "activity to join after admission")
	hold := flag.Duration("hold", 2*time.Second, "how long to keep admitted connections open")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var res tally
	g, gctx := errgroup.WithContext(ctx)
	for i := range *clients {
		g.Go(func() error {
			run(gctx, *addr, *activity, fmt.Sprintf("load-%d", i), *hold, &res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("load run: %v", err)
	}

	fmt.Printf("clients=%d accepted=%d warned=%d rejected=%d joined=%d failed=%d\n",
		*clients, res.accepted, res.warned, res.rejected, res.joined, res.failed)
}

func run(ctx context.Context, addr, activity, userID string, hold time.Duration, res *tally) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		log.Printf("%s: dial: %v", userID, err)
		res.add(func(t *tally) { t.failed++ })
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var first envelope
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		res.add(func(t *tally) { t.failed++ })
		return
	}
	switch first.Type {
	case proto.OutboundTypeRejected:
		res.add(func(t *tally) { t.rejected++ })
		return
	case proto.OutboundTypeAccepted:
		res.add(func(t *tally) { t.accepted++ })
	default:
		log.Printf("%s: unexpected first frame %q", userID, first.Type)
		res.add(func(t *tally) { t.failed++ })
		return
	}

	data, _ := json.Marshal(proto.JoinData{ActivityID: activity, UserID: userID, UserName: userID})
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeJoin, Data: data}); err != nil {
		res.add(func(t *tally) { t.failed++ })
		return
	}

	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			res.add(func(t *tally) { t.failed++ })
			return
		}
		switch env.Type {
		case proto.OutboundTypeCapacityWarning:
			res.add(func(t *tally) { t.warned++ })
			continue
		case proto.OutboundTypeJoined:
			res.add(func(t *tally) { t.joined++ })
		case proto.OutboundTypeError:
			log.Printf("%s: join failed: %+v", userID, env.Error)
			res.add(func(t *tally) { t.failed++ })
			return
		default:
			continue
		}
		break
	}

	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}
}
