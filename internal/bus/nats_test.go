package bus

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSBusRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	b, err := NewNATSBus(NATSConfig{URL: url, Name: "comet-test"}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	subject := "comet.test." + uuid.NewString()
	got := make(chan string, 1)
	_, err = b.Subscribe(subject, func(data []byte) { got <- string(data) })
	require.NoError(t, err)
	require.NoError(t, b.conn.Flush())

	require.NoError(t, b.Publish(subject, []byte("hello")))
	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no message from NATS")
	}
}
