package rabbitmq_test

import (
	"errors"
	"testing"

	"github.com/next-trace/scg-saga-bus/adapters/rabbitmq"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

func TestNewWithAMQPConn_EmptyURL(t *testing.T) {
	_, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{})
	if !errors.Is(err, berr.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}

	_, _, err = rabbitmq.DialConsumer(rabbitmq.Config{}, rabbitmq.ConsumerConfig{Queue: "q"})
	if !errors.Is(err, berr.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}
}
