// Package backplanetest runs an embedded NATS server with JetStream for
// tests of the distributed backplane.
package backplanetest

import (
	"testing"

	natstest "github.com/nats-io/nats-server/v2/test"
)

// RunNATS starts a JetStream-enabled server on a random port and returns its
// client URL. The server is shut down when the test ends.
func RunNATS(t testing.TB) string {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}
