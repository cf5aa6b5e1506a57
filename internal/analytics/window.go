package analytics

import (
	"sort"
	"sync"
	"time"

	"iot-telemetry/internal/models"
)

// entry запись окна
type entry struct {
	ts    time.Time
	value float64
}

// window скользящее окно одной пары (устройство, метрика).
// Живые записи лежат в entries[head:], отсортированы по времени.
type window struct {
	mu       sync.Mutex
	entries  []entry
	head     int
	lastSeen time.Time
	dead     bool
}

func newWindow(capacity int) *window {
	return &window{entries: make([]entry, 0, capacity)}
}

func (w *window) live() []entry {
	return w.entries[w.head:]
}

// insert вставляет запись с сохранением порядка; при равных
// временах новая запись идет после существующих
func (w *window) insert(e entry) {
	live := w.live()
	if len(live) == 0 || !e.ts.Before(live[len(live)-1].ts) {
		w.entries = append(w.entries, e)
		return
	}

	idx := w.head + sort.Search(len(live), func(i int) bool {
		return live[i].ts.After(e.ts)
	})
	w.entries = append(w.entries, entry{})
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = e
}

// evictBefore удаляет записи старше cutoff, возвращает их количество
func (w *window) evictBefore(cutoff time.Time) int {
	evicted := 0
	for w.head < len(w.entries) && w.entries[w.head].ts.Before(cutoff) {
		w.head++
		evicted++
	}
	return evicted
}

// trimTo оставляет не больше limit самых свежих записей
func (w *window) trimTo(limit int) int {
	if limit <= 0 {
		return 0
	}
	over := len(w.live()) - limit
	if over <= 0 {
		return 0
	}
	w.head += over
	return over
}

// compact освобождает место, занятое вытесненными записями
func (w *window) compact() {
	switch {
	case w.head == 0:
	case w.head == len(w.entries):
		w.entries = w.entries[:0]
		w.head = 0
	case w.head >= len(w.entries)/2:
		n := copy(w.entries, w.entries[w.head:])
		w.entries = w.entries[:n]
		w.head = 0
	}
}

// stats считает агрегаты заново по живым записям
func (w *window) stats() (models.Stats, bool) {
	live := w.live()
	if len(live) == 0 {
		return models.Stats{}, false
	}

	s := models.Stats{
		Count: len(live),
		Min:   live[0].value,
		Max:   live[0].value,
	}
	sum := 0.0
	for _, e := range live {
		if e.value < s.Min {
			s.Min = e.value
		}
		if e.value > s.Max {
			s.Max = e.value
		}
		sum += e.value
	}
	s.Avg = sum / float64(len(live))

	last := live[len(live)-1]
	s.Latest = last.value
	s.LatestTimestamp = last.ts
	return s, true
}
