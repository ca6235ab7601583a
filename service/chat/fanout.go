package chat

import (
	"hash/fnv"

	"FlagChat/logger"
)

type fanoutJob struct {
	sessions []*Session
	payload  []byte
}

// Fanout pushes encoded payloads to many per-connection send queues
// through a pool of workers, so a burst in a hot room never blocks the
// read loops. Sessions are sharded to a worker by conn id: everything for
// one connection lands on the same worker queue, so payloads published in
// order arrive at that connection's send queue in order.
type Fanout struct {
	queues []chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{queues: make([]chan fanoutJob, workers)}
	for i := range f.queues {
		ch := make(chan fanoutJob, queue)
		f.queues[i] = ch
		go func() {
			for job := range ch {
				for _, s := range job.sessions {
					select {
					case s.Send <- job.payload:
					default:
						// slow client: skip rather than stall the room
						logger.Debugf("[fanout] send queue full conn=%s user=%s", s.ConnID, s.UserID)
					}
				}
			}
		}()
	}
	return f
}

func (f *Fanout) Broadcast(sessions []*Session, payload []byte) {
	if len(sessions) == 0 || len(payload) == 0 {
		return
	}
	if len(f.queues) == 1 {
		f.queues[0] <- fanoutJob{sessions: sessions, payload: payload}
		return
	}
	buckets := make(map[int][]*Session)
	for _, s := range sessions {
		idx := f.shard(s.ConnID)
		buckets[idx] = append(buckets[idx], s)
	}
	for idx, group := range buckets {
		f.queues[idx] <- fanoutJob{sessions: group, payload: payload}
	}
}

func (f *Fanout) shard(connID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return int(h.Sum32() % uint32(len(f.queues)))
}
