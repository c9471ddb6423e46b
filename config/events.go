package config

import (
	"strings"
	"time"
)

// Event publisher drivers.
const (
	EventsDriverLog   = "log"
	EventsDriverKafka = "kafka"
)

// EventsConfig selects where escrow lifecycle events are published.
type EventsConfig struct {
	Driver       string        `env:"DRIVER"        envDefault:"log"`
	KafkaBrokers []string      `env:"KAFKA_BROKERS"`
	KafkaTopic   string        `env:"KAFKA_TOPIC"   envDefault:"escrow-settlement.events"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to events configuration values.
func (e *EventsConfig) Sanitize() {
	e.Driver = strings.ToLower(strings.TrimSpace(e.Driver))
	if e.Driver != EventsDriverKafka {
		e.Driver = EventsDriverLog
	}
	e.KafkaBrokers = trimAll(e.KafkaBrokers)
	e.KafkaTopic = strings.TrimSpace(e.KafkaTopic)
	if e.WriteTimeout <= 0 {
		e.WriteTimeout = 10 * time.Second
	}
}
