package specs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testNodeUUID  = "4a4f1d8e-8d2b-4b5a-9f49-6cb0b9a3d1e2"
	testProjectID = "7c1e3f0a-1d2b-4c3d-8e4f-5a6b7c8d9e0f"
)

func TestServiceName(t *testing.T) {
	t.Run("joins_parts", func(t *testing.T) {
		name := ServiceName("dy", "node", "project", RoleSidecar, "simcore/services/dynamic/jupyter")
		assert.Equal(t, "dy_node_pr_sidecar_jupyter", name)
	})

	t.Run("truncated_to_engine_limit", func(t *testing.T) {
		name := ServiceName("dy", testNodeUUID, testProjectID, RoleSidecar, "simcore/services/dynamic/some-very-long-service-name")
		assert.Len(t, name, MaxServiceNameLength)
		assert.True(t, strings.HasPrefix(name, "dy_"+testNodeUUID+"_7c_"))
	})

	t.Run("roles_differ", func(t *testing.T) {
		names := MakeNames("dy", "node", "project", "simcore/services/dynamic/x")
		assert.NotEqual(t, names.SidecarServiceName, names.ProxyServiceName)
		assert.Equal(t, "dy_node_pr", names.NetworkName)
		assert.Equal(t, names.NetworkName, names.Zone)
	})
}
