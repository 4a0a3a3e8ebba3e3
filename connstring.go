package rabbitkit

import (
	"fmt"

	"github.com/glimte/rabbitkit/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ParseConnectionString parses an amqp:// or amqps:// URI. Missing parts
// take the AMQP defaults (guest/guest@localhost:5672, vhost "/").
func ParseConnectionString(uri string) (transport.VHostInfo, error) {
	parsed, err := amqp.ParseURI(uri)
	if err != nil {
		return transport.VHostInfo{}, fmt.Errorf("invalid connection string: %w", err)
	}

	return transport.VHostInfo{
		Host:     parsed.Host,
		Port:     parsed.Port,
		Username: parsed.Username,
		Password: parsed.Password,
		VHost:    parsed.Vhost,
		TLS:      parsed.Scheme == "amqps",
	}, nil
}
