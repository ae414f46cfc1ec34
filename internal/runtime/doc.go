/*
Package runtime provides the AMQP dispatch engine behind ramqp.

# Architecture Overview

A System owns one broker connection and one channel. Handlers are registered
on its Router under one or more topic routing keys before Start. Start then
declares a durable topic exchange, one queue per handler and one binding per
routing key, and consumes every queue. Each delivery runs through the
pipeline: dependencies are resolved, the handler is called, and the result is
classified into an outcome that decides how the message is settled.

# Package Structure

## Core System (system.go)

The System struct wires together:
  - the Router holding the registered handlers
  - the transport connection and channel (see package transport)
  - delivery hooks, per-handler statistics and the metrics Observer
  - the periodic task sampling liveness and queue depth

## Registration (router.go, handler.go)

Registration is idempotent per (routing key, handler) pair and closed once
Start has been called. Every handler needs a unique name because the name
becomes part of its queue name (<prefix>_<name>).

## Topology (topology.go)

Queues are declared as quorum queues when the transport supports them. An
existing classic queue is deleted and redeclared as quorum only when it is
empty, otherwise it is kept as it is. Consumption starts before the bindings
are created.

## Delivery Pipeline (pipeline.go)

  - nil or disposition.Acknowledge: ack
  - disposition.Reject: reject without requeue
  - disposition.Requeue: reject with requeue
  - any other error: reject with requeue, logged and handed to
    DeliveryHooks.OnDeliveryError

A delivery is settled exactly once.

## Publishing (publisher.go)

Publish encodes a payload as JSON and sends it to the exchange with a fresh
message id.

## Status (webui.go, resources.go)

StatusHandler serves handler statistics and a health endpoint over HTTP.

# Subpackages

  - config: broker and consumer configuration
  - depends: dependency providers and the handler invoker
  - disposition: outcome signals and their classification
  - exclusive: keyed lock manager
  - ratelimit: per message cooldown
  - metrics: Observer sink with a Prometheus implementation
  - mo: routing keys and payloads of the MO event bus
  - errors, logging, jsoncodec, ids, metadata: shared plumbing
*/
package runtime
