// Package sagaorch provides an orchestrator for distributed sagas in Go.
//
// A saga is a multi-step business transaction spanning independent participant
// services. Each step invokes a command on a participant and may declare a
// compensating command that semantically undoes it. When a step fails for
// good, the orchestrator runs the compensations of every step that already
// succeeded, strictly in reverse order, one at a time.
//
// Overview
//
//  1. Declare your sagas as SagaDefinitions and register them in a Registry:
//     - Each StepDefinition names a participant, an action command and an
//     optional compensation command.
//     - Registration validates the definition and rejects duplicates.
//  2. Provide a Gateway:
//     - Use LocalGateway for in-process participants, or one of the transports
//     under gateway/ (HTTP, Redis Streams, Kafka).
//     - Use a Router to mix transports per participant.
//  3. Pick a Store:
//     - NewMemoryStore for tests, NewFileStore for a single node, or the
//     postgres and redisstore packages for shared durable state.
//  4. Run your sagas:
//     - Create an Orchestrator with NewOrchestrator.
//     - Start sagas with Start (asynchronous) or StartAndWait (synchronous).
//     - Call Run to drive sagas on a worker pool and Recover to resume
//     interrupted sagas after a restart.
//
// Every state transition is persisted before the next invocation, and every
// persisted change checks and increments the instance version, so several
// orchestrator processes can share one Store without a distributed lock.
package sagaorch
