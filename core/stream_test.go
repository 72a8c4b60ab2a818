package core

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func fillStream(t *testing.T, node *Node, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		if _, err := node.Deposit(nodeAddr(0x0F), big.NewInt(int64(i+1)), ""); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
}

func TestLedgerStreamReplaysFromCursor(t *testing.T) {
	node := newTestNode(t, nil)
	fillStream(t, node, 3)

	_, cancelAll, backlog, err := node.SubscribeLedgerEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelAll()
	if len(backlog) != 3 {
		t.Fatalf("expected full backlog of 3, got %d", len(backlog))
	}

	updates, cancel, tail, err := node.SubscribeLedgerEvents(context.Background(), backlog[1].Cursor)
	if err != nil {
		t.Fatalf("subscribe with cursor: %v", err)
	}
	defer cancel()
	if len(tail) != 1 {
		t.Fatalf("expected 1 buffered event after cursor, got %d", len(tail))
	}
	if tail[0].Sequence != 3 {
		t.Fatalf("expected sequence 3, got %d", tail[0].Sequence)
	}

	fillStream(t, node, 1)
	select {
	case update := <-updates:
		if update.Sequence != 4 {
			t.Fatalf("expected live sequence 4, got %d", update.Sequence)
		}
		if update.Event == nil || update.Event.Attributes["amount"] != "1" {
			t.Fatalf("unexpected live payload %+v", update.Event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live update")
	}
}

func TestLedgerStreamCancelStopsDelivery(t *testing.T) {
	node := newTestNode(t, nil)

	updates, cancel, _, err := node.SubscribeLedgerEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	cancel() // safe to invoke twice

	fillStream(t, node, 1)
	if _, ok := <-updates; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestLedgerStreamHonoursContext(t *testing.T) {
	node := newTestNode(t, nil)
	ctx, cancelCtx := context.WithCancel(context.Background())

	updates, _, _, err := node.SubscribeLedgerEvents(ctx, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancelCtx()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription not torn down after context cancellation")
		}
	}
}

func TestLedgerStreamDropsWhenSaturated(t *testing.T) {
	node := newTestNode(t, nil)

	updates, cancel, _, err := node.SubscribeLedgerEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// The subscriber buffer holds 32 updates; the publisher must never block
	// on a saturated channel.
	fillStream(t, node, 40)

	received := 0
drain:
	for {
		select {
		case <-updates:
			received++
		default:
			break drain
		}
	}
	if received != 32 {
		t.Fatalf("expected 32 buffered updates, got %d", received)
	}

	// Later events keep flowing once the subscriber catches up.
	fillStream(t, node, 1)
	select {
	case update := <-updates:
		if update.Sequence != 41 {
			t.Fatalf("expected sequence 41 after drain, got %d", update.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for post-drain update")
	}
}

func TestLedgerStreamIgnoresMalformedCursor(t *testing.T) {
	node := newTestNode(t, nil)
	fillStream(t, node, 2)

	_, cancel, backlog, err := node.SubscribeLedgerEvents(context.Background(), "not-a-number")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(backlog) != 2 {
		t.Fatalf("malformed cursors replay from the start, got %d events", len(backlog))
	}
}
