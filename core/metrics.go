package core

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	bytesWritten     *kitprometheus.Counter
	bytesAllocated   *kitprometheus.Counter
	bytesDeallocated *kitprometheus.Counter
	txnCommits       *kitprometheus.Counter
	verityFailures   *kitprometheus.Counter
	trimPasses       *kitprometheus.Counter
)

func init() {
	bytesWritten = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "extentfs",
		Subsystem: "data",
		Name:      "bytes_written",
		Help:      "bytes written to the device by the data path.",
	}, []string{"path"})

	bytesAllocated = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "extentfs",
		Subsystem: "allocator",
		Name:      "bytes_allocated",
		Help:      "bytes handed out by the allocator.",
	}, []string{})

	bytesDeallocated = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "extentfs",
		Subsystem: "allocator",
		Name:      "bytes_deallocated",
		Help:      "bytes returned to the allocator.",
	}, []string{})

	txnCommits = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "extentfs",
		Subsystem: "txn",
		Name:      "commits",
		Help:      "transaction commits.",
	}, []string{"kind"})

	verityFailures = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "extentfs",
		Subsystem: "verity",
		Name:      "failures",
		Help:      "fsverity hash mismatches.",
	}, []string{})

	trimPasses = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "extentfs",
		Subsystem: "trim",
		Name:      "passes",
		Help:      "trim_some invocations.",
	}, []string{"result"})
}

// BytesWritten path is "cow" or "overwrite".
func BytesWritten(path string, n int) {
	bytesWritten.With("path", path).Add(float64(n))
}

func BytesAllocated(n uint64) {
	bytesAllocated.Add(float64(n))
}

func BytesDeallocated(n uint64) {
	bytesDeallocated.Add(float64(n))
}

// TxnCommit kind is "commit" or "continue".
func TxnCommit(kind string) {
	txnCommits.With("kind", kind).Add(1)
}

func VerityFailure() {
	verityFailures.Add(1)
}

func TrimPass(done bool) {
	if done {
		trimPasses.With("result", "done").Add(1)
	} else {
		trimPasses.With("result", "incomplete").Add(1)
	}
}
