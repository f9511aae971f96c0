// Package protocol defines the opcode set and message shapes exchanged between
// the crawler host and a scraper worker over a pair of byte streams.
//
// Opcode values are reused across directions: 0 delivers a job host->worker
// but submits a URL worker->host, and 2 terminates host->worker but marks a
// job complete worker->host. Each direction therefore has its own type.
package protocol

import "fmt"

// HostToWorkerOpcode tags a message written by the host on a worker's inbound stream.
type HostToWorkerOpcode byte

// Host to worker opcodes.
const (
	OpDeliverJob    HostToWorkerOpcode = 0
	OpFetchResponse HostToWorkerOpcode = 1
	OpTerminate     HostToWorkerOpcode = 2
)

func (o HostToWorkerOpcode) String() string {
	switch o {
	case OpDeliverJob:
		return "DELIVER_JOB"
	case OpFetchResponse:
		return "FETCH_RESPONSE"
	case OpTerminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("HOST_OPCODE(%d)", byte(o))
	}
}

// WorkerToHostOpcode tags a message written by a worker on its outbound stream.
type WorkerToHostOpcode byte

// Worker to host opcodes.
const (
	OpSubmit       WorkerToHostOpcode = 0
	OpFetchRequest WorkerToHostOpcode = 1
	OpJobComplete  WorkerToHostOpcode = 2
)

func (o WorkerToHostOpcode) String() string {
	switch o {
	case OpSubmit:
		return "SUBMIT"
	case OpFetchRequest:
		return "FETCH_REQUEST"
	case OpJobComplete:
		return "JOB_COMPLETE"
	default:
		return fmt.Sprintf("WORKER_OPCODE(%d)", byte(o))
	}
}

// FetchStatus is the byte following OpFetchResponse.
type FetchStatus byte

// Fetch response status values.
const (
	StatusOK    FetchStatus = 0
	StatusError FetchStatus = 1
)
