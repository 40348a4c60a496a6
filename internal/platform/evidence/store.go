package evidence

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("evidence chain corruption detected")

// Log is the in-process evidence chain. Appends recompute the previous
// link before extending it, so a mutated tail surfaces immediately.
type Log struct {
	mu      sync.Mutex
	records []Record
	last    string
}

func NewLog() *Log {
	return &Log{last: "GENESIS"}
}

func (l *Log) Append(r Record) (Record, error) {
	return l.AppendWith(r, nil)
}

// AppendWith chains r, hands the chained record to persist, and extends the
// log only when persist succeeds. Callers that write the record to durable
// storage commit inside persist so a rollback never leaves an orphan link.
func (l *Log) AppendWith(r Record, persist func(Record) error) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.records); n > 0 {
		prev := l.records[n-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Record{}, ErrCorruptChain
		}
	}

	r.HashPrev = l.last
	r.HashCurr = ComputeHash(l.last, r)
	if persist != nil {
		if err := persist(r); err != nil {
			return Record{}, err
		}
	}
	l.records = append(l.records, r)
	l.last = r.HashCurr
	return r, nil
}

func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Verify walks the whole chain and reports the first broken link.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := "GENESIS"
	for _, r := range l.records {
		if r.HashPrev != prev || ComputeHash(prev, r) != r.HashCurr {
			return ErrCorruptChain
		}
		prev = r.HashCurr
	}
	return nil
}
