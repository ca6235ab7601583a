package natsx

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Subjects used by the gateway cluster.
const (
	SubjectFanout  = "flagchat.fanout"      // inter-node event fan-out
	SubjectNotify  = "flagchat.notify.push" // push-notification requests
	SubjectControl = "flagchat.control"     // admin commands, applied on every node
)

type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Bus is the thin facade over the NATS connection the gateway uses as its
// inter-node event stream and notification outbox.
type Bus struct {
	cfg Config
	nc  *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func Connect(cfg Config) (*Bus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &Bus{cfg: cfg, nc: nc}, nil
}

func (b *Bus) Publish(subject string, data []byte) error {
	if b == nil || b.nc == nil {
		return errors.New("bus not connected")
	}
	return b.nc.Publish(subject, data)
}

// Subscribe registers a handler. A non-empty queue makes deliveries shared
// within the group; empty queue broadcasts to every subscriber.
func (b *Bus) Subscribe(subject, queue string, h func(data []byte)) error {
	if b == nil || b.nc == nil {
		return errors.New("bus not connected")
	}
	var (
		sub *nats.Subscription
		err error
	)
	cb := func(m *nats.Msg) { h(m.Data) }
	if queue != "" {
		sub, err = b.nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = b.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", subject)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and the connection.
func (b *Bus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	b.mu.Lock()
	for _, s := range b.subs {
		_ = s.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.nc.Drain()
}
