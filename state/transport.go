package state

// Transport gives access to the physical side of the dock connectors.
type Transport interface {
	// Open starts receiving on the connector described by itf. recv is called
	// from a transport goroutine and must not touch State directly.
	Open(itf InterfaceCfg, recv func(pkt []byte)) (Link, error)
}

// Link is one open dock connector.
type Link interface {
	Send(pkt []byte) error
	Close() error
}
