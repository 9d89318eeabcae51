package jobs

import (
	"log"
	"sync"
	"time"
)

// 購読者ごとの配信バッファ。埋まった場合は遅い購読者としてイベントを
// 落とし、ログに残します（配信失敗を呼び出し元へ伝播させないため）。
const subscriberBuffer = 32

// Hub はジョブごとのライブ状態チャネルを管理します。チャネルは最初の
// 購読で遅延作成され、終端イベントの配信後に破棄されます。破棄後に
// 購読し直した場合は新しいチャネルが作られます（過去のイベントは再生
// されません）。
type Hub struct {
	mu       sync.Mutex
	channels map[int64]*channel
	logger   *log.Logger
}

type channel struct {
	subscribers map[*Subscriber]struct{}
}

// Subscriber はひとつの購読を表します。C からイベントを受信し、不要に
// なったら Close を呼びます。
type Subscriber struct {
	C     <-chan StatusEvent
	c     chan StatusEvent
	hub   *Hub
	jobID int64
}

// NewHub は Hub を作成します。
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		channels: make(map[int64]*channel),
		logger:   logger,
	}
}

// Subscribe はジョブのライブ状態チャネルを購読します。チャネルが無い
// 場合は作成し、接続確認イベントを直ちに配信します。
func (h *Hub) Subscribe(jobID int64) *Subscriber {
	sub := &Subscriber{
		c:     make(chan StatusEvent, subscriberBuffer),
		hub:   h,
		jobID: jobID,
	}
	sub.C = sub.c

	h.mu.Lock()
	ch := h.channels[jobID]
	if ch == nil {
		ch = &channel{subscribers: make(map[*Subscriber]struct{})}
		h.channels[jobID] = ch
	}
	ch.subscribers[sub] = struct{}{}
	// 接続確認。購読者はまずこのイベントを受け取り、その後の配信が続く
	sub.c <- StatusEvent{
		Type: EventUpdate,
		Data: EventData{
			Timestamp: time.Now().UTC(),
			Status:    StatusInProgress,
			Progress:  "connected",
		},
	}
	h.mu.Unlock()
	return sub
}

// Close は購読を解除します。チャネル自体は残るため、他の購読者への
// 配信には影響しません。
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	ch := s.hub.channels[s.jobID]
	if ch == nil {
		return
	}
	if _, ok := ch.subscribers[s]; !ok {
		return
	}
	delete(ch.subscribers, s)
	close(s.c)
}

// Emit はジョブの全購読者へイベントを配信します。チャネルが存在しない
// 場合は何もしません。終端イベント（finalize/error）の後には summary と
// close を続けて配信し、チャネルを破棄します。
func (h *Hub) Emit(jobID int64, ev StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[jobID]
	if ch == nil {
		return
	}

	h.deliver(ch, jobID, ev)
	if ev.Type == EventFinalize || ev.Type == EventError {
		summary := StatusEvent{Type: EventSummary, Data: ev.Data}
		closing := StatusEvent{Type: EventClose, Data: EventData{
			Timestamp: time.Now().UTC(),
			Status:    ev.Data.Status,
			Done:      true,
		}}
		h.deliver(ch, jobID, summary)
		h.deliver(ch, jobID, closing)
		h.teardown(jobID, ch)
	}
}

// Cleanup はチャネルを破棄します。存在しない場合は何もしません。
func (h *Hub) Cleanup(jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[jobID]
	if ch == nil {
		return
	}
	h.teardown(jobID, ch)
}

// Active はジョブのチャネルが存在するかを返します。
func (h *Hub) Active(jobID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[jobID] != nil
}

func (h *Hub) deliver(ch *channel, jobID int64, ev StatusEvent) {
	for sub := range ch.subscribers {
		select {
		case sub.c <- ev:
		default:
			if h.logger != nil {
				h.logger.Printf("job %d: slow status subscriber, dropping %s event", jobID, ev.Type)
			}
		}
	}
}

func (h *Hub) teardown(jobID int64, ch *channel) {
	for sub := range ch.subscribers {
		delete(ch.subscribers, sub)
		close(sub.c)
	}
	delete(h.channels, jobID)
}
