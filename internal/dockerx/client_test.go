package dockerx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadedRefs(t *testing.T) {
	lines := []string{
		"Loaded image: registry.example.com/web:1.2.0-amd64\n",
		"Loaded image ID: sha256:deadbeef\n",
		"",
		"Loaded image: worker:1.2.0-amd64",
	}
	assert.Equal(t, []string{
		"registry.example.com/web:1.2.0-amd64",
		"worker:1.2.0-amd64",
	}, loadedRefs(lines))
}

func TestContainerStatusRunning(t *testing.T) {
	assert.True(t, ContainerStatus{State: "running"}.Running())
	assert.True(t, ContainerStatus{State: "restarting"}.Running())
	assert.True(t, ContainerStatus{State: "paused"}.Running())
	assert.False(t, ContainerStatus{State: "exited"}.Running())
	assert.False(t, ContainerStatus{State: "created"}.Running())
	assert.False(t, ContainerStatus{State: "dead"}.Running())
}
