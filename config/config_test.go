package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  booking_created_topic_name: "booking.created"
  shipment_advanced_topic_name: "shipment.advanced"
redis:
  host: "localhost"
  port: 6379
booking:
  data_file: "/var/lib/shipbox/bookings.json"
shipbox:
  http_addr: ":3000"
  kafka_consumer_group: "ship-api"
  timeline_ttl_seconds: 600
  estimated_delivery_days: 5
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "booking.created", cfg.Kafka.BookingCreatedTopicName)
	require.Equal(t, "shipment.advanced", cfg.Kafka.ShipmentAdvancedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "/var/lib/shipbox/bookings.json", cfg.Booking.DataFile)
	require.Equal(t, ":3000", cfg.ShipBox.HTTPAddr)
	require.Equal(t, 5, cfg.ShipBox.EstimatedDeliveryDays)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
