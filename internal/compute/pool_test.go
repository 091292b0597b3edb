package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/podex/podex/pkg/models"
)

func TestPoolHealthyAccessor(t *testing.T) {
	p := NewPool(4)
	p.hosts["h1"] = &HostConn{Host: models.Host{ID: "h1"}, Healthy: true}
	p.hosts["h2"] = &HostConn{Host: models.Host{ID: "h2"}, Healthy: false, LastError: "ping failed"}

	assert.True(t, p.Healthy("h1"))
	assert.False(t, p.Healthy("h2"))
	assert.False(t, p.Healthy("unknown"))
}

func TestPoolHealthyConcurrentWithFlips(t *testing.T) {
	p := NewPool(4)
	p.hosts["h1"] = &HostConn{Host: models.Host{ID: "h1"}, Healthy: true}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.mu.Lock()
			p.hosts["h1"].Healthy = i%2 == 0
			p.hosts["h1"].LastError = ""
			p.mu.Unlock()
		}
	}()
	for i := 0; i < 1000; i++ {
		p.Healthy("h1")
	}
	<-done
}
