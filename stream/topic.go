package stream

// An event is published on the topic of the record it describes and on the
// topics of every record that owns it:
//
//	job:<jobID>        one job's events
//	batch:<batchID>    a batch's events and those of its children
//	client:<clientID>  everything owned by a client

// JobTopic is the topic of a single job.
func JobTopic(jobID string) string { return "job:" + jobID }

// BatchTopic is the topic of a batch and its children.
func BatchTopic(batchID string) string { return "batch:" + batchID }

// ClientTopic is the topic of everything a client owns. The API websocket
// subscribes callers to it.
func ClientTopic(clientID string) string { return "client:" + clientID }
