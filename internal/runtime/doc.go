/*
Package runtime wires the conduit components into a Service.

# Architecture Overview

A Service owns one watermill transport and builds everything else on top of
it: the ServiceBus for topic fan-out and request/response, a registry of
downstream services with health checks, priority queues drained by message
processors, durable stream backends, and an event store. Outbound HTTP calls
go through per-service communicators guarded by a connection pool and a
circuit breaker.

# Package Structure

## Core Service (service.go)

The Service struct is the composition root. It holds:
  - the transport built through transport.Factory
  - the bus, the service registry and the health loop
  - queues, processors and communicators created on demand
  - Redis or in-memory storage for streams and the response cache
  - HTTP servers for /metrics, /health and /status

## Status (status.go, resources.go)

Status collects queue depths, processor counters, bus delivery counts,
breaker states, dead letters and resource usage into one JSON document.

# Sub-packages

  - breaker/: circuit breaker over sony/gobreaker
  - bus/: ServiceBus, subscriptions and request/response
  - cache/: response cache (memory or Redis)
  - codec/: serializers and compressors for wire payloads
  - communicator/: outbound HTTP client with retries and caching
  - config/: service configuration with validation
  - deadletter/: dead letter archive
  - errors/: sentinel errors and error kinds
  - eventsource/: event store with snapshots
  - handlers/: typed JSON callbacks for the bus and the processor
  - ids/: ULID and consumer name generation
  - logging/: logger interface and adapters
  - metadata/: watermill metadata helpers
  - metrics/: Prometheus collectors
  - model/: messages, priorities and event records
  - pool/: per-target connection pool
  - processor/: queue workers and handler registry
  - queue/: bounded priority queue
  - registry/: service registry and load balancers
  - stream/: durable stream backend (memory or Redis)
  - transport/: transport factory over the public transport registry

# Usage Example

	cfg := &conduit.Config{
		ServiceName:    "orders",
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc := conduit.NewService(cfg, logger, ctx, conduit.ServiceDependencies{})

	_, _ = svc.Bus().Subscribe("orders.created", func(ctx context.Context, msg *conduit.Message) error {
		return nil
	})

	svc.Start(ctx)
*/
package runtime
