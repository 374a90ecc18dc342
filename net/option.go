package net

import (
	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/log"
)

// Option customizes the sockets a Server, Client or UDPService creates.
//
// Usage example:
//
//	srv := NewServer("echo", pump, cfg, handler,
//	    WithPacker(codec.NewCompressPacker(codec.NewLengthPacker(&cfg.Socket.Frame))),
//	    WithUnpacker(codec.CompressUnpackerFactory(codec.LengthUnpackerFactory(&cfg.Socket.Frame), 1<<20)))
type Option func(*options)

type options struct {
	packer      codec.Packer
	newUnpacker codec.UnpackerFactory
	logger      *log.LevelLogger
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithPacker sets the packer shared by all sockets. Packers are stateless,
// one instance serves every connection.
func WithPacker(p codec.Packer) Option {
	return func(o *options) {
		o.packer = p
	}
}

// WithUnpacker sets the factory building the unpacker of each connection.
func WithUnpacker(f codec.UnpackerFactory) Option {
	return func(o *options) {
		o.newUnpacker = f
	}
}

// WithLogger makes sockets log through l instead of the default logger.
func WithLogger(l *log.LevelLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}
