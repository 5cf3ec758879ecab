/*
Package bridge provides the controller and worker halves of a boss/worker execution bridge. The controller reads source text, hands it to a long-lived worker process as a task, and relays the worker's output back to its own terminal. The worker keeps its execution state (bindings, cached source) between tasks.

Both halves talk over a single Conn, an ordered bidirectional link carrying CBOR-encoded messages. It is normally one end of a Unix socketpair inherited by the worker.

There are two messages in this protocol: Task messages are sent controller->worker, and Chunk messages are sent worker->controller. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The controller engages its interrupt Relay and sends a Task with Run=true.
2. The worker executes the task, streaming zero or more Chunks tagged with the primary or diagnostic stream.
3. The worker flushes both streams and sends exactly one Chunk with EndOfTask=true.
4. The controller disengages the Relay and may send the next Task.
5. A Task with Run=false tells the worker to exit.

Only one task is ever in flight. Interrupts are not carried in-band: the Relay forwards SIGINT to the worker's pid, and the worker reports the cancelled task on the diagnostic stream like any other failure.
*/
package bridge
