package redis

// Redis key naming conventions for dispatch data. All keys carry the
// dispatcher's prefix, "conductor:" unless WithPrefix overrides it.

// tierKey returns the Sorted Set key for a tier: conductor:queue:{name}
func (d *Dispatcher) tierKey(name string) string { return d.prefix + "queue:" + name }

// cancelChannel returns the pub/sub channel for running-cancel signals on
// one job: conductor:cancel:{jobID}
func (d *Dispatcher) cancelChannel(jobID string) string { return d.prefix + "cancel:" + jobID }
