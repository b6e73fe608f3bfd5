/*
Package rabbitmq carries envelopes over RabbitMQ. Envelopes are published to the durable
"integration" topic exchange with the event type as routing key; each service consumes
from its own durable queue bound to the event types it subscribes to. The sender
reconnects with backoff and the consumer maps Ack/Nack onto AMQP acknowledgements.
*/
package rabbitmq
