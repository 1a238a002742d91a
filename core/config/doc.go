// Package config holds the process-level configuration of a sequent
// engine: the engine knobs, topic names, and which broker and store
// adapters to use.
//
// Values come from an optional YAML file and from SEQUENT_* environment
// variables, the environment taking precedence:
//
//	SEQUENT_BROKER_KIND=nats
//	SEQUENT_BROKER_URL=nats://nats:4222
//	SEQUENT_STORE_KIND=postgres
//	SEQUENT_STORE_DSN=postgres://sequent@db/sequent
//	SEQUENT_STORE_VERSIONS=redis
//	SEQUENT_ENGINE_MAX_QUEUES=10000
package config
