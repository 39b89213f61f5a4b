// Package conduit is a messaging and service-communication runtime built on
// Watermill. A Service reads the target transport (Kafka, RabbitMQ, AWS
// SNS/SQS, NATS, HTTP, or Go Channels) from Config and layers a ServiceBus on
// it for topic fan-out and request/response between services.
//
// Next to the bus, a Service hands out bounded priority queues drained by
// message processors with retries and dead-lettering, durable stream backends
// over Redis Streams, and an event store with snapshots. Outbound HTTP calls
// go through per-service communicators that pool connections, retry with
// backoff, cache GET responses, and trip a circuit breaker when a dependency
// keeps failing. A registry of downstream services runs periodic health
// checks and feeds round-robin or weighted load balancers.
//
// A minimal setup fills Config, creates a Service, subscribes callbacks with
// SubscribeJSON or Service.Bus, and calls Start.
//
// # Transports
//
// conduit supports 7 message transports out of the box:
//   - channel: In-memory Go channels for tests and single-process setups
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP-based durable queues
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: Core NATS messaging
//   - nats-jetstream: Durable NATS streams
//   - http: Request/response messaging
//
// # Observability
//
// With MetricsEnabled the Service serves Prometheus metrics on /metrics,
// a health report covering every registered dependency on /health, and a
// JSON snapshot of queues, processors, breakers and dead letters on /status.
// Processors and communicators emit OpenTelemetry spans when a tracer is
// supplied through ServiceDependencies.
package conduit
