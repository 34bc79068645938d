package specs

import (
	"testing"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func decodeCompose(t *testing.T, rendered string) map[string]interface{} {
	t.Helper()
	var document map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(rendered), &document))
	return document
}

func TestAssembleComposeSpec(t *testing.T) {
	base := ComposeRequest{
		ServiceKey:         "simcore/services/dynamic/jupyter-lab",
		ServiceVersion:     "1.2.3",
		DynamicNetworkName: "dy_node_7c",
		Zone:               "dy_node_7c",
		ServicePort:        DefaultServicePort,
		Registry:           "registry.osparc.io",
	}

	t.Run("default_single_container", func(t *testing.T) {
		rendered, err := AssembleComposeSpec(base)
		require.NoError(t, err)

		document := decodeCompose(t, rendered)
		services := document["services"].(map[string]interface{})
		container := services[DefaultComposeServiceName].(map[string]interface{})
		assert.Equal(t, "registry.osparc.io/simcore/services/dynamic/jupyter-lab:1.2.3", container["image"])
		assert.Equal(t, []interface{}{"dy_node_7c"}, container["networks"])

		labels := container["labels"].(map[string]interface{})
		assert.Equal(t, "dy_node_7c", labels[LabelZone])
		assert.Equal(t, "true", labels[LabelTraefikEnable])

		networks := document["networks"].(map[string]interface{})
		network := networks["dy_node_7c"].(map[string]interface{})
		assert.Equal(t, true, network["external"])
	})

	t.Run("user_spec_placeholders_and_target", func(t *testing.T) {
		request := base
		request.ServicePort = 8888
		request.TargetContainer = "web"
		request.ComposeSpec = mustComposeSpec(t, `{
			"version": "3.8",
			"services": {
				"web": {"image": "${SIMCORE_REGISTRY}/web:${SERVICE_VERSION}", "networks": ["backend"], "labels": ["a=b"]},
				"db": {"image": "postgres"}
			}
		}`)

		rendered, err := AssembleComposeSpec(request)
		require.NoError(t, err)

		services := decodeCompose(t, rendered)["services"].(map[string]interface{})
		web := services["web"].(map[string]interface{})
		assert.Equal(t, "registry.osparc.io/web:1.2.3", web["image"])
		assert.Equal(t, []interface{}{"backend", "dy_node_7c"}, web["networks"])
		assert.Contains(t, web["labels"], "traefik.http.services.dy_node_7c.loadbalancer.server.port=8888")
		assert.Contains(t, web["labels"], "a=b")

		db := services["db"].(map[string]interface{})
		assert.Nil(t, db["networks"])

		// the entry's compose spec is left untouched
		original := request.ComposeSpec["services"].(map[string]interface{})["web"].(map[string]interface{})
		assert.Equal(t, "${SIMCORE_REGISTRY}/web:${SERVICE_VERSION}", original["image"])
	})

	t.Run("missing_target_service", func(t *testing.T) {
		request := base
		request.TargetContainer = "nope"
		request.ComposeSpec = mustComposeSpec(t, `{"services": {"web": {"image": "nginx"}}}`)

		_, err := AssembleComposeSpec(request)
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("target_without_compose", func(t *testing.T) {
		request := base
		request.TargetContainer = "web"
		_, err := AssembleComposeSpec(request)
		assert.True(t, errors.IsValidationError(err))
	})
}
