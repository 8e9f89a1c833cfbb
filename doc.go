// Package sentinelstreams is an industrial telemetry incident platform.
//
// Sensor readings arrive through protocol adapters (MQTT, Modbus TCP, and
// HTTP push), flow through a per-source queued ingestion router into a
// stateful threshold rule engine, and rule triggers become incident
// candidates. Candidates are scored by external predictor services under a
// fail-closed consensus protocol; approved incidents are persisted (in
// memory or NATS JetStream KV) and broadcast to websocket subscribers.
//
// The top-level packages map onto that pipeline:
//
//	input/*    protocol adapters producing normalized readings
//	router     per-source bounded queues, optional dedup window
//	rule       threshold rules with sustain durations and cooldowns
//	consensus  predictor polling and the weighted confidence statistic
//	store      incident persistence
//	gateway    websocket broadcast with snapshot-on-connect
//	service    component lifecycle orchestration
//
// Supporting packages (config, errors, health, metric, natsclient,
// pkg/buffer, pkg/clock, pkg/retry, types) carry the shared
// infrastructure.
package sentinelstreams
