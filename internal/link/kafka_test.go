package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tap/internal/config"
)

func TestKafkaSenderMessage(t *testing.T) {
	s, err := NewKafkaSender(config.LinkConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "tap.reports"}, "tap-01")
	require.NoError(t, err)
	defer s.Close()

	msg := s.message("/tcp/sessions", []byte(`[]`))
	assert.Equal(t, "tap-01/tcp/sessions", string(msg.Key))
	assert.Equal(t, `[]`, string(msg.Value))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "tcp/sessions", headers[kafkaPathHeader])
	assert.Equal(t, "tap-01", headers[kafkaNodeHeader])
	assert.Len(t, headers[kafkaReportIDHeader], 36)
}

func TestKafkaSenderUnreachable(t *testing.T) {
	s, err := NewKafkaSender(config.LinkConfig{
		Brokers: []string{"127.0.0.1:1"},
		Topic:   "tap.reports",
		Timeout: 200 * time.Millisecond,
	}, "tap-01")
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.SendReport("arp/packets", []byte(`{}`)))
}
