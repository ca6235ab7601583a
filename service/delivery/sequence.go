package delivery

import (
	"context"
	"sync"
)

// seeder recovers a room's high-water mark from the persistence
// collaborator when the room is first touched after a process start.
type seeder interface {
	MaxMessageID(ctx context.Context, subjectID string) (int64, error)
}

// sequencer hands out per-room message ids. Counters are per room and never
// shared across rooms, so hot rooms do not contend with each other; callers
// already hold the room's send lock, the internal mutex only protects the
// room map itself.
type sequencer struct {
	mu    sync.Mutex
	rooms map[string]*roomSeq
	seed  seeder
}

type roomSeq struct {
	mu     sync.Mutex
	seeded bool
	last   int64
}

func newSequencer(seed seeder) *sequencer {
	return &sequencer{rooms: make(map[string]*roomSeq), seed: seed}
}

func (s *sequencer) room(subjectID string) *roomSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.rooms[subjectID]
	if rs == nil {
		rs = &roomSeq{}
		s.rooms[subjectID] = rs
	}
	return rs
}

// Next allocates the next id for the room, seeding from storage on first
// use. The allocation is serialized per room.
func (s *sequencer) Next(ctx context.Context, subjectID string) (int64, error) {
	rs := s.room(subjectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.seeded {
		max, err := s.seed.MaxMessageID(ctx, subjectID)
		if err != nil {
			return 0, err
		}
		rs.last = max
		rs.seeded = true
	}
	rs.last++
	return rs.last, nil
}

// Rollback returns id to the pool if it was the latest allocation. Used
// when the write-ahead append fails, keeping the room sequence gapless.
func (s *sequencer) Rollback(subjectID string, id int64) {
	rs := s.room(subjectID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == id {
		rs.last = id - 1
	}
}
