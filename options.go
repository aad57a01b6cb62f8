package merklelog

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scigolib/merklelog/internal/oplog"
)

type options struct {
	keypair              PartialKeypair
	registerer           prometheus.Registerer
	headerFlushThreshold uint64
}

// Option configures Open and OpenMemory.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		headerFlushThreshold: oplog.DefaultFlushThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithKeypair supplies the key pair for a fresh log, or the secret key
// when reopening a log whose header carries only the public key. Without
// it a fresh log generates its own pair.
func WithKeypair(kp PartialKeypair) Option {
	return func(o *options) {
		o.keypair = kp
	}
}

// WithRegisterer registers the log's Prometheus collectors. Without it
// the collectors stay unregistered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithHeaderFlushThreshold overrides the oplog body size that triggers a
// header rewrite.
func WithHeaderFlushThreshold(n uint64) Option {
	return func(o *options) {
		o.headerFlushThreshold = n
	}
}
