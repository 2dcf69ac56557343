// Package bus carries frames between shards and the router.
//
// Subjects:
//
//	comet.router        shard -> router
//	comet.shard.<id>    router -> shard <id>
package bus

import (
	"errors"
	"strconv"

	"github.com/rs/zerolog"
)

var (
	ErrClosed        = errors.New("bus: closed")
	ErrNoSubscribers = errors.New("bus: no subscribers")
)

// RouterSubject is where shards publish to the router.
const RouterSubject = "comet.router"

// ShardSubject is the subject a shard consumes.
func ShardSubject(id int) string {
	return "comet.shard." + strconv.Itoa(id)
}

// Handler receives one frame. It runs on a bus goroutine and must hand
// work to a loop rather than touch loop state directly.
type Handler func(data []byte)

type Subscription interface {
	Unsubscribe() error
}

// Bus is the inter-node transport.
type Bus interface {
	// Publish must not block on slow consumers.
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close() error
}

// Open returns a NATSBus when url is set and a LocalBus otherwise.
func Open(url, name string, logger zerolog.Logger) (Bus, error) {
	if url == "" {
		return NewLocalBus(logger), nil
	}
	return NewNATSBus(NATSConfig{URL: url, Name: name}, logger)
}
