package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldPreempt(t *testing.T) {
	tests := []struct {
		name   string
		ours   ServerClaim
		theirs ServerClaim
		want   bool
	}{
		{"we started later", ServerClaim{Started: 2000, PID: 10}, ServerClaim{Started: 1000, PID: 20}, true},
		{"they started later", ServerClaim{Started: 1000, PID: 20}, ServerClaim{Started: 2000, PID: 10}, false},
		{"tie, our pid higher", ServerClaim{Started: 1000, PID: 30}, ServerClaim{Started: 1000, PID: 20}, true},
		{"tie, our pid lower", ServerClaim{Started: 1000, PID: 20}, ServerClaim{Started: 1000, PID: 30}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldPreempt(tt.ours, tt.theirs))
		})
	}
}

func TestCollisionIsDeterministic(t *testing.T) {
	a := ServerClaim{Started: 1000, PID: 10}
	b := ServerClaim{Started: 1050, PID: 5}

	// Exactly one side wins, whichever way the claims are compared.
	assert.NotEqual(t, ShouldPreempt(a, b), ShouldPreempt(b, a))
}

func TestDiscoveredServiceText(t *testing.T) {
	svc := DiscoveredService{
		Text: map[string]string{
			"role":    "server",
			"started": "1722500000000",
			"pid":     "4242",
			"version": "1.0.0",
		},
	}
	assert.Equal(t, "server", svc.Role())
	assert.Equal(t, int64(1722500000000), svc.Started())
	assert.Equal(t, 4242, svc.PID())
}

func TestDiscoveredServiceMissingText(t *testing.T) {
	svc := DiscoveredService{Text: map[string]string{}}
	assert.Empty(t, svc.Role())
	assert.Zero(t, svc.Started())
	assert.Zero(t, svc.PID())
}

func TestIsLocalCollision(t *testing.T) {
	d := NewDirectory("study", "server", 1000, "1.0.0")

	other := DiscoveredService{
		Host: "somewhere-else",
		Text: map[string]string{"role": "server", "pid": "999"},
	}
	assert.False(t, d.IsLocalCollision(other), "different host is not a collision")

	client := DiscoveredService{
		Host: "somewhere-else",
		Text: map[string]string{"role": "client", "pid": "999"},
	}
	assert.False(t, d.IsLocalCollision(client), "clients never collide")
}
