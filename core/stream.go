package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"revsplit/core/types"
	"revsplit/observability"
)

const ledgerStreamHistoryLimit = 2048

// LedgerEventUpdate wraps a ledger event with its position in the stream.
// Cursors are opaque strings clients hand back to resume a subscription.
type LedgerEventUpdate struct {
	Sequence uint64
	Cursor   string
	Event    *types.Event
}

func cloneLedgerEventUpdate(update LedgerEventUpdate) LedgerEventUpdate {
	cloned := update
	if update.Event != nil {
		cloned.Event = update.Event.Copy()
	}
	return cloned
}

func (n *Node) publishLedgerEvent(event *types.Event) {
	if n == nil || event == nil {
		return
	}

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan LedgerEventUpdate)
	}
	n.streamSeq++
	update := LedgerEventUpdate{
		Sequence: n.streamSeq,
		Cursor:   strconv.FormatUint(n.streamSeq, 10),
		Event:    event.Copy(),
	}
	n.streamHistory = append(n.streamHistory, cloneLedgerEventUpdate(update))
	if len(n.streamHistory) > ledgerStreamHistoryLimit {
		excess := len(n.streamHistory) - ledgerStreamHistoryLimit
		trimmed := make([]LedgerEventUpdate, ledgerStreamHistoryLimit)
		copy(trimmed, n.streamHistory[excess:])
		n.streamHistory = trimmed
	}
	subscribers := make([]chan LedgerEventUpdate, 0, len(n.streamSubs))
	for _, ch := range n.streamSubs {
		subscribers = append(subscribers, ch)
	}
	sink := n.sink
	n.streamMu.Unlock()

	if sink != nil {
		if err := sink.Append(cloneLedgerEventUpdate(update)); err != nil {
			n.logger.Error("journal append failed", "error", err.Error(), "sequence", update.Cursor)
			n.metrics.RecordError("journal", "append_failed")
		}
	}

	broadcast := cloneLedgerEventUpdate(update)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
			observability.Events().RecordDropped()
		}
	}
	observability.Events().RecordPublished(event.Type)
}

// SubscribeLedgerEvents registers a subscriber for ledger events starting
// after the supplied cursor. The returned backlog replays buffered history;
// live updates follow on the channel until cancel is invoked or the context
// ends. Slow subscribers miss updates rather than block the publisher.
func (n *Node) SubscribeLedgerEvents(ctx context.Context, cursor string) (<-chan LedgerEventUpdate, func(), []LedgerEventUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan LedgerEventUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan LedgerEventUpdate)
	}
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	history := make([]LedgerEventUpdate, len(n.streamHistory))
	copy(history, n.streamHistory)
	n.streamMu.Unlock()

	backlog := make([]LedgerEventUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneLedgerEventUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.streamMu.Lock()
			sub, ok := n.streamSubs[id]
			if ok {
				delete(n.streamSubs, id)
				close(sub)
			}
			n.streamMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
