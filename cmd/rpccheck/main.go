package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/colordrop-pool/internal/ledger"
	"github.com/park285/colordrop-pool/internal/ledger/evmrpc"
	"github.com/park285/colordrop-pool/internal/remote"
	"github.com/park285/colordrop-pool/internal/slots"
	dto "github.com/park285/colordrop-pool/pkg/colordropdto"
)

func main() {
	rpcURL := os.Getenv("RPC_URL")
	contract := os.Getenv("CONTRACT_ADDRESS")
	identity := os.Getenv("IDENTITY")
	feedURL := os.Getenv("FEED_WS_URL")
	poolSize := 9
	if v, err := strconv.Atoi(os.Getenv("POOL_SIZE")); err == nil && v > 0 {
		poolSize = v
	}

	if rpcURL == "" {
		log.Fatal("RPC_URL is required")
	}
	addr, ok := ledger.ParseIdentity(contract)
	if !ok {
		log.Fatal("CONTRACT_ADDRESS must be a 0x address")
	}
	who, _ := ledger.ParseIdentity(identity)

	node := evmrpc.NewTransport(rpcURL, evmrpc.WithTimeout(8*time.Second))
	client := evmrpc.New(node, nil, addr, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if id, err := client.ChainID(ctx); err != nil {
		log.Printf("eth_chainId error: %v", err)
	} else {
		log.Printf("eth_chainId ok: %d", id)
	}
	if ts, err := client.LatestTimestamp(ctx); err != nil {
		log.Printf("latest block error: %v", err)
	} else {
		log.Printf("latest block time: %s", ts.UTC().Format(time.RFC3339))
	}

	poolID, err := client.CurrentPoolID(ctx)
	if err != nil {
		log.Fatalf("currentPoolId error: %v", err)
	}
	snap, err := ledger.ReadSnapshot(ctx, client, poolID, poolSize)
	if err != nil {
		log.Fatalf("snapshot error: %v", err)
	}
	fmt.Printf("pool #%d full=%t finalized=%t started=%s\n", snap.PoolID, snap.IsFull, snap.IsFinalized, snap.StartTime.UTC().Format(time.RFC3339))
	for i, s := range snap.Slots {
		if !s.Occupied() {
			fmt.Printf("  [%d] empty\n", i)
			continue
		}
		fmt.Printf("  [%d] %s submitted=%t\n", i, s.Occupant.Hex(), s.HasSubmitted)
	}

	if who != ledger.NoIdentity {
		st, err := client.UserStatus(ctx, who)
		if err != nil {
			log.Printf("getUserStatus error: %v", err)
			st = nil
		} else {
			fmt.Printf("user %s verified=%t used=%d/%d canJoin=%t\n", who.Hex(), st.Verified, st.SlotsUsed, st.UnverifiedSlotLimit, st.CanJoin)
		}
		counts := slots.Classify(remote.View{Snapshot: snap, Status: st}, who, nil).Counts()
		fmt.Printf("classes: available=%d mine-unfinished=%d mine-finished=%d taken=%d\n",
			counts[slots.Available], counts[slots.MineUnfinished], counts[slots.MineFinished], counts[slots.TakenByOther])
	}

	if feedURL == "" {
		log.Println("FEED_WS_URL not set; skipping feed check")
		return
	}
	watchFeed(feedURL)
}

// watchFeed prints feed frames for a short window.
func watchFeed(url string) {
	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	conn, _, err := websocket.Dial(cctx, url, nil)
	if err != nil {
		log.Printf("feed connect error: %v", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer rcancel()
	for {
		var f dto.Frame
		if err := wsjson.Read(rctx, conn, &f); err != nil {
			if rctx.Err() == nil {
				log.Printf("feed read error: %v", err)
			}
			return
		}
		body := string(f.Payload)
		if len(body) > 160 {
			body = body[:157] + "..."
		}
		fmt.Printf("feed %s %s\n", f.Type, strings.TrimSpace(body))
	}
}
