package journal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	subscriberBuffer = 32
	replayLimit      = 2048
)

// Subscribe registers a live subscriber for journalled entries. The cursor
// names the last sequence the caller has already seen; newer entries are
// replayed from storage as the returned backlog before the channel takes
// over. Replay is capped at replayLimit entries, so a caller that falls far
// behind reconnects with the cursor of the last backlog entry it processed.
func (j *Journal) Subscribe(ctx context.Context, cursor string) (<-chan Entry, func(), []Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil, nil, fmt.Errorf("journal: not initialised")
	}
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("journal: invalid cursor %q", cursor)
		}
		since = parsed
	}

	updates := make(chan Entry, subscriberBuffer)

	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = updates
	snapshot := j.lastSeq
	j.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			if sub, ok := j.subs[id]; ok {
				delete(j.subs, id)
				close(sub)
			}
			j.mu.Unlock()
		})
	}

	var backlog []Entry
	if snapshot > since {
		entries, err := j.Events(Query{FromSequence: since + 1, ToSequence: snapshot, Limit: replayLimit})
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		backlog = entries
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}

// publish fans an appended entry out to live subscribers. Callers hold j.mu.
// Slow subscribers with a full buffer miss the entry and recover it through
// the replay cursor on reconnect.
func (j *Journal) publish(entry Entry) {
	for _, ch := range j.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}
